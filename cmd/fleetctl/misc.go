package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sumandas0/fleetadmin/internal/app"
	"github.com/sumandas0/fleetadmin/internal/dashboard"
	"github.com/sumandas0/fleetadmin/internal/health"
	"github.com/sumandas0/fleetadmin/internal/operation"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/reftypes"
)

func collectionService(a *app.Application, collection string) (*records.Service, error) {
	if s := a.Service(collection); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("unknown collection %q (known: %s)", collection, strings.Join(a.Collections(), ", "))
}

// recordsCommand exposes the generic service of any configured collection,
// mainly for things and clients which have no dedicated commands.
func (c *cli) recordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Generic record access for any collection",
	}

	var lf listFlags
	var where []string
	list := &cobra.Command{
		Use:   "list <collection>",
		Short: "List records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			s, err := collectionService(a, args[0])
			if err != nil {
				return err
			}
			pairs, err := parsePairs(where)
			if err != nil {
				return err
			}
			filters := make(map[string]string, len(pairs))
			for k, v := range pairs {
				filters[k] = fmt.Sprint(v)
			}

			resp, err := s.List(cmd.Context(), lf.params(filters))
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	lf.bind(list)
	list.Flags().StringArrayVar(&where, "where", nil, "Equality filter field=value (repeatable)")

	get := &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			s, err := collectionService(a, args[0])
			if err != nil {
				return err
			}
			resp, err := s.GetByID(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}

	create := &cobra.Command{
		Use:   "create <collection> key=value...",
		Short: "Create a record in the active organization",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			s, err := collectionService(a, args[0])
			if err != nil {
				return err
			}
			fields, err := parsePairs(args[1:])
			if err != nil {
				return err
			}
			resp, err := operation.PerformCreate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return s.Create(ctx, fields)
				},
				operation.EntityOptions{Entity: "Record", Identifier: "in " + args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}

	del := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			s, err := collectionService(a, args[0])
			if err != nil {
				return err
			}
			deleted, err := operation.PerformDelete(cmd.Context(), a.Runner, func(ctx context.Context) error {
				return s.Delete(ctx, args[1])
			}, operation.EntityOptions{Entity: "Record", Identifier: args[1]})
			if err != nil {
				return err
			}
			return c.print(map[string]any{"id": args[1], "deleted": deleted})
		},
	}

	cmd.AddCommand(list, get, create, del)
	return cmd
}

func (c *cli) refTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reftypes",
		Short: "Show reference types (edge types and regions, location and thing types)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:       "list [kind]",
		Short:     "List one kind, or all kinds",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: kindNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				types, err := a.RefTypes.Load(cmd.Context(), reftypes.Kind(args[0]))
				if err != nil {
					return err
				}
				return c.print(types)
			}

			if err := a.RefTypes.LoadAll(cmd.Context()); err != nil {
				return err
			}
			all := make(map[reftypes.Kind][]reftypes.Type, len(reftypes.Kinds))
			for _, kind := range reftypes.Kinds {
				all[kind] = a.RefTypes.Types(kind)
			}
			return c.print(all)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh <kind>",
		Short: "Drop the cached copy of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			kind := reftypes.Kind(args[0])
			if err := a.RefTypes.Invalidate(cmd.Context(), kind); err != nil {
				return err
			}
			types, err := a.RefTypes.Load(cmd.Context(), kind)
			if err != nil {
				return err
			}
			return c.print(types)
		},
	})

	return cmd
}

func kindNames() []string {
	names := make([]string, len(reftypes.Kinds))
	for i, k := range reftypes.Kinds {
		names[i] = string(k)
	}
	return names
}

func (c *cli) dashboardCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show fleet totals and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			d := a.Dashboard
			if limit > 0 {
				d = a.NewDashboard(dashboard.WithActivityLimit(limit))
			}
			summary, err := d.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(summary)
		},
	}
	cmd.Flags().IntVar(&limit, "activity", 0, "Number of activity entries (default 5)")
	return cmd
}

func (c *cli) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the backend, local stores, cache and circuit breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			report := a.Health.Check(cmd.Context())
			if err := c.print(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("health check failed")
			}
			return nil
		},
	}
}

func (c *cli) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show hit rates and entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(a.Cache.Stats())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [collection]",
		Short: "Drop cached responses of one collection, or everything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				s, err := collectionService(a, args[0])
				if err != nil {
					return err
				}
				if err := s.ClearCache(cmd.Context()); err != nil {
					return err
				}
				return c.print(map[string]string{"cleared": args[0]})
			}

			n, err := a.Cache.Clear()
			if err != nil {
				return err
			}
			return c.print(map[string]int{"removed": n})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Cache.Prune()
			if err != nil {
				return err
			}
			return c.print(map[string]int{"removed": n})
		},
	})

	return cmd
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sumandas0/fleetadmin/internal/edge"
	"github.com/sumandas0/fleetadmin/internal/operation"
	"github.com/sumandas0/fleetadmin/internal/records"
)

// listFlags are shared by every list subcommand.
type listFlags struct {
	page    int
	perPage int
	sort    string
	filter  string
	expand  string
}

func (f *listFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.page, "page", 1, "Page number")
	cmd.Flags().IntVar(&f.perPage, "per-page", 0, "Page size (defaults to the configured size)")
	cmd.Flags().StringVar(&f.sort, "sort", "", "Sort expression, e.g. -created")
	cmd.Flags().StringVar(&f.filter, "filter", "", "Raw filter expression")
	cmd.Flags().StringVar(&f.expand, "expand", "", "Relations to expand")
}

func (f *listFlags) params(where map[string]string) records.ListParams {
	return records.ListParams{
		Page:    f.page,
		PerPage: f.perPage,
		Sort:    f.sort,
		Filter:  f.filter,
		Expand:  f.expand,
		Where:   where,
	}
}

// changedStrings collects the string flags the user actually set.
func changedStrings(cmd *cobra.Command, names ...string) records.Record {
	changes := records.Record{}
	for _, name := range names {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetString(name)
			changes[name] = v
		}
	}
	return changes
}

func (c *cli) edgesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "edges",
		Aliases: []string{"edge"},
		Short:   "Manage edge sites",
	}

	var lf listFlags
	var edgeType, region string
	list := &cobra.Command{
		Use:   "list",
		Short: "List edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Edges.List(cmd.Context(), lf.params(map[string]string{
				edge.FieldType:   edgeType,
				edge.FieldRegion: region,
			}))
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	lf.bind(list)
	list.Flags().StringVar(&edgeType, "type", "", "Only edges of this type")
	list.Flags().StringVar(&region, "region", "", "Only edges in this region")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Edges.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}

	cmd.AddCommand(list, get, c.edgeCreateCommand(), c.edgeUpdateCommand(), c.edgeDeleteCommand(),
		c.edgeNextCodeCommand(), c.edgeMetadataCommand(), c.edgeGrafanaCommand())
	return cmd
}

func (c *cli) edgeCreateCommand() *cobra.Command {
	var in edge.CreateInput
	var inactive bool
	var meta []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an edge; without --code or --number it takes the next free code",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if inactive {
				active := false
				in.Active = &active
			}
			if len(meta) > 0 {
				if in.Metadata, err = parsePairs(meta); err != nil {
					return err
				}
			}

			create := a.Edges.Create
			if in.Code == "" && !cmd.Flags().Changed("number") {
				create = a.Edges.CreateNext
			}
			resp, err := operation.PerformCreate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return create(ctx, in)
				},
				operation.EntityOptions{Entity: "Edge", Identifier: in.Name, ErrorMessage: "Failed to create edge"},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().StringVar(&in.Type, "type", "", "Edge type code, e.g. bld")
	cmd.Flags().StringVar(&in.Region, "region", "", "Region code, e.g. na")
	cmd.Flags().IntVar(&in.Number, "number", 0, "Sequence number within type and region (default: next free)")
	cmd.Flags().StringVar(&in.Code, "code", "", "Explicit code instead of a generated one")
	cmd.Flags().StringVar(&in.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&in.Description, "description", "", "Description")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the edge deactivated")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata entry key=value (repeatable)")
	return cmd
}

func (c *cli) edgeUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an edge's name, description, code or active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			changes := changedStrings(cmd, "name", "description", edge.FieldCode)
			if cmd.Flags().Changed("active") {
				active, _ := cmd.Flags().GetBool("active")
				changes["active"] = active
			}

			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Edges.Update(ctx, args[0], changes)
				},
				operation.EntityOptions{Entity: "Edge", Identifier: args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("description", "", "Description")
	cmd.Flags().String(edge.FieldCode, "", "Edge code")
	cmd.Flags().Bool("active", true, "Whether the edge is active")
	return cmd
}

func (c *cli) edgeDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := operation.PerformDelete(cmd.Context(), a.Runner, func(ctx context.Context) error {
				return a.Edges.Delete(ctx, args[0])
			}, operation.EntityOptions{Entity: "Edge", Identifier: args[0]})
			if err != nil {
				return err
			}
			return c.print(map[string]any{"id": args[0], "deleted": deleted})
		},
	}
}

func (c *cli) edgeNextCodeCommand() *cobra.Command {
	var edgeType, region string

	cmd := &cobra.Command{
		Use:   "next-code",
		Short: "Print the first unused code for a type and region",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			code, err := a.Edges.NextCode(cmd.Context(), edgeType, region)
			if err != nil {
				return err
			}
			return c.print(map[string]string{"code": code})
		},
	}
	cmd.Flags().StringVar(&edgeType, "type", "", "Edge type code")
	cmd.Flags().StringVar(&region, "region", "", "Region code")
	return cmd
}

func (c *cli) edgeMetadataCommand() *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "metadata <id> key=value...",
		Short: "Merge entries into an edge's metadata",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			md, err := parsePairs(args[1:])
			if err != nil {
				return err
			}

			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Edges.UpdateMetadata(ctx, args[0], md, !replace)
				},
				operation.EntityOptions{Entity: "Edge metadata", Identifier: args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the metadata instead of merging")
	return cmd
}

func (c *cli) edgeGrafanaCommand() *cobra.Command {
	var board string

	cmd := &cobra.Command{
		Use:   "grafana <id>",
		Short: "Print the Grafana dashboard link of an edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Edges.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			link := a.Config.GrafanaDashboardURL(board, map[string]string{
				"edge": resp.Data.String(edge.FieldCode),
			})
			return c.print(map[string]string{"url": link})
		},
	}
	cmd.Flags().StringVar(&board, "dashboard", "edge-overview", "Grafana dashboard uid")
	return cmd
}

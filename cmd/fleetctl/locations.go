package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sumandas0/fleetadmin/internal/location"
	"github.com/sumandas0/fleetadmin/internal/operation"
	"github.com/sumandas0/fleetadmin/internal/records"
)

var errMapFeaturesDisabled = errors.New("map features are disabled; set features.enable_map_features")

func (c *cli) locationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "locations",
		Aliases: []string{"location", "loc"},
		Short:   "Manage the location hierarchy of edges",
	}

	cmd.AddCommand(
		c.locationListCommand(),
		c.locationGetCommand(),
		c.locationTreeCommand(),
		c.locationCreateCommand(),
		c.locationUpdateCommand(),
		c.locationMoveCommand(),
		c.locationDeleteCommand(),
		c.locationCycleCommand(),
		c.locationFloorPlanCommand(),
		c.locationCoordinatesCommand(),
		&cobra.Command{
			Use:   "types",
			Short: "List the location type catalogue",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.print(location.Types)
			},
		},
	)
	return cmd
}

func (c *cli) locationListCommand() *cobra.Command {
	var lf listFlags
	var edgeID, parentID string
	var roots bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locations of an edge, children of a parent, or roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}

			params := lf.params(map[string]string{location.FieldEdgeID: edgeID})
			var resp *records.ListResponse
			switch {
			case parentID != "":
				resp, err = a.Locations.ChildLocations(cmd.Context(), parentID, params)
			case roots:
				resp, err = a.Locations.RootLocations(cmd.Context(), params)
			default:
				resp, err = a.Locations.List(cmd.Context(), params)
			}
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	lf.bind(cmd)
	cmd.Flags().StringVar(&edgeID, "edge", "", "Only locations of this edge")
	cmd.Flags().StringVar(&parentID, "parent", "", "Only direct children of this location")
	cmd.Flags().BoolVar(&roots, "roots", false, "Only locations without a parent")
	return cmd
}

func (c *cli) locationGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Locations.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
}

func (c *cli) locationTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <edge-id>",
		Short: "Show the location forest of an edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			tree, err := a.Locations.Tree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(tree)
		},
	}
}

func (c *cli) locationCreateCommand() *cobra.Command {
	var in location.CreateInput
	var meta []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a location; code and path are derived",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if len(meta) > 0 {
				if in.Metadata, err = parsePairs(meta); err != nil {
					return err
				}
			}
			in.Type = location.TypeValue(in.Type)

			resp, err := operation.PerformCreate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Locations.Create(ctx, in)
				},
				operation.EntityOptions{Entity: "Location", Identifier: in.Name, ErrorMessage: "Failed to create location"},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().StringVar(&in.EdgeID, "edge", "", "Edge the location belongs to")
	cmd.Flags().StringVar(&in.ParentID, "parent", "", "Parent location")
	cmd.Flags().StringVar(&in.Type, "type", "", "Location type, label or value")
	cmd.Flags().StringVar(&in.Number, "number", "", "Number within the type, e.g. 101")
	cmd.Flags().StringVar(&in.Code, "code", "", "Explicit code instead of {type}-{number}")
	cmd.Flags().StringVar(&in.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&in.Description, "description", "", "Description")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata entry key=value (repeatable)")
	return cmd
}

func (c *cli) locationUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a location; a new code or parent rewrites the subtree's paths",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			changes := changedStrings(cmd, "name", "description", location.FieldCode, location.FieldParentID)

			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Locations.Update(ctx, args[0], changes)
				},
				operation.EntityOptions{Entity: "Location", Identifier: args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("description", "", "Description")
	cmd.Flags().String(location.FieldCode, "", "Location code")
	cmd.Flags().String(location.FieldParentID, "", "New parent (empty for a root)")
	return cmd
}

func (c *cli) locationMoveCommand() *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a location under another parent, or to the root with --parent=\"\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Locations.MoveLocation(ctx, args[0], parentID)
				},
				operation.EntityOptions{Entity: "Location", Identifier: args[0], ErrorMessage: "Failed to move location"},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().StringVar(&parentID, "parent", "", "New parent location")
	return cmd
}

func (c *cli) locationDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := operation.PerformDelete(cmd.Context(), a.Runner, func(ctx context.Context) error {
				return a.Locations.Delete(ctx, args[0])
			}, operation.EntityOptions{Entity: "Location", Identifier: args[0]})
			if err != nil {
				return err
			}
			return c.print(map[string]any{"id": args[0], "deleted": deleted})
		},
	}
}

func (c *cli) locationCycleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-parent <id> <parent-id>",
		Short: "Report whether making parent-id the parent of id would create a cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			circular, err := a.Locations.IsCircularReference(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return c.print(map[string]any{"id": args[0], "parent_id": args[1], "circular": circular})
		},
	}
}

func (c *cli) locationFloorPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "floorplan",
		Short: "Upload or locate a location's floor plan image",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "upload <id> <file>",
		Short: "Attach an image file as the floor plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Locations.UploadFloorPlan(ctx, args[0], filepath.Base(args[1]), f)
				},
				operation.EntityOptions{Entity: "Floor plan of", Identifier: args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(map[string]string{"url": a.Locations.FloorPlanURL(resp.Data)})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "url <id>",
		Short: "Print the floor plan URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Locations.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(map[string]string{"url": a.Locations.FloorPlanURL(resp.Data)})
		},
	})

	return cmd
}

func (c *cli) locationCoordinatesCommand() *cobra.Command {
	var coords location.Coordinates

	cmd := &cobra.Command{
		Use:   "coordinates <id>",
		Short: "Set a location's map coordinates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if !a.Config.Features.EnableMapFeatures {
				return errMapFeaturesDisabled
			}
			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Locations.UpdateCoordinates(ctx, args[0], coords)
				},
				operation.EntityOptions{Entity: "Coordinates of", Identifier: args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	cmd.Flags().Float64Var(&coords.Lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&coords.Lng, "lng", 0, "Longitude")
	return cmd
}

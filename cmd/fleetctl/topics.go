package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sumandas0/fleetadmin/internal/operation"
	"github.com/sumandas0/fleetadmin/internal/records"
	"github.com/sumandas0/fleetadmin/internal/topic"
)

func (c *cli) topicsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "topics",
		Aliases: []string{"topic", "permissions"},
		Short:   "Manage MQTT topic permission roles",
	}

	var lf listFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List permission roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Permissions.List(cmd.Context(), lf.params(nil))
			if err != nil {
				return err
			}
			return c.print(resp)
		},
	}
	lf.bind(list)

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one permission role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := a.Permissions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(topic.FromRecord(resp.Data))
		},
	}

	validate := &cobra.Command{
		Use:   "validate <pattern>...",
		Short: "Check topic patterns without touching the backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := make(map[string]bool, len(args))
			for _, pattern := range args {
				result[pattern] = topic.ValidateTopic(pattern)
			}
			return c.print(result)
		},
	}

	cmd.AddCommand(list, get, validate,
		c.topicCreateCommand(),
		c.topicUpdateCommand(),
		c.topicDeleteCommand(),
		c.topicEditCommand("add", "Grant a topic pattern to a role"),
		c.topicEditCommand("remove", "Revoke a topic pattern from a role"),
		c.topicClientsCommand(),
		c.topicCheckCommand(),
	)
	return cmd
}

func (c *cli) topicCreateCommand() *cobra.Command {
	var in topic.CreateInput

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a permission role",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := operation.PerformCreate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Permissions.Create(ctx, in)
				},
				operation.EntityOptions{Entity: "Permission", Identifier: in.Name, ErrorMessage: "Failed to create permission"},
			)
			if err != nil {
				return err
			}
			return c.print(topic.FromRecord(resp.Data))
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "Role name")
	cmd.Flags().StringArrayVar(&in.Publish, "publish", nil, "Publish topic pattern (repeatable)")
	cmd.Flags().StringArrayVar(&in.Subscribe, "subscribe", nil, "Subscribe topic pattern (repeatable)")
	return cmd
}

func (c *cli) topicUpdateCommand() *cobra.Command {
	var in topic.UpdateInput
	var name string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a role or replace its topic lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("name") {
				in.Name = &name
			}
			resp, err := operation.PerformUpdate(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return a.Permissions.Update(ctx, args[0], in)
				},
				operation.EntityOptions{Entity: "Permission", Identifier: args[0]},
			)
			if err != nil {
				return err
			}
			return c.print(topic.FromRecord(resp.Data))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Role name")
	cmd.Flags().StringArrayVar(&in.Publish, "publish", nil, "Publish topic pattern (repeatable, replaces the list)")
	cmd.Flags().StringArrayVar(&in.Subscribe, "subscribe", nil, "Subscribe topic pattern (repeatable, replaces the list)")
	return cmd
}

func (c *cli) topicDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a permission role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			deleted, err := operation.PerformDelete(cmd.Context(), a.Runner, func(ctx context.Context) error {
				return a.Permissions.Delete(ctx, args[0])
			}, operation.EntityOptions{Entity: "Permission", Identifier: args[0]})
			if err != nil {
				return err
			}
			return c.print(map[string]any{"id": args[0], "deleted": deleted})
		},
	}
}

// topicEditCommand builds "add" and "remove", which differ only in the
// service call.
func (c *cli) topicEditCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id> <publish|subscribe> <pattern>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			kind, err := topic.ParseKind(args[1])
			if err != nil {
				return err
			}

			edit := a.Permissions.AddTopic
			if verb == "remove" {
				edit = a.Permissions.RemoveTopic
			}
			resp, err := operation.Perform(cmd.Context(), a.Runner,
				func(ctx context.Context) (*records.RecordResponse, error) {
					return edit(ctx, args[0], args[2], kind)
				},
				operation.Options{ErrorMessage: "Failed to update topic permissions"},
			)
			if err != nil {
				return err
			}
			return c.print(topic.FromRecord(resp.Data))
		},
	}
}

func (c *cli) topicClientsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clients <id>",
		Short: "List the clients bound to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			clients, err := a.Permissions.ClientsByPermission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(clients)
		},
	}
}

func (c *cli) topicCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <id> <publish|subscribe> <topic>",
		Short: "Report whether a role may publish or subscribe to a topic",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			kind, err := topic.ParseKind(args[1])
			if err != nil {
				return err
			}
			resp, err := a.Permissions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(map[string]any{
				"topic":   args[2],
				"kind":    kind,
				"allowed": topic.FromRecord(resp.Data).Allows(kind, args[2]),
			})
		},
	}
}

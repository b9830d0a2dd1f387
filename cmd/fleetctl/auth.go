package main

import (
	"os"

	"github.com/spf13/cobra"
)

func (c *cli) loginCommand() *cobra.Command {
	var identity, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("FLEETADMIN_PASSWORD")
			}

			auth, err := a.Auth.Login(cmd.Context(), identity, password)
			if err != nil {
				return err
			}
			return c.print(map[string]any{
				"user":            auth.User,
				"organization_id": a.Session.Identity(cmd.Context()).OrgID,
			})
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "u", "", "Email or username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (defaults to $FLEETADMIN_PASSWORD)")
	return cmd
}

func (c *cli) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			return a.Auth.Logout()
		},
	}
}

func (c *cli) orgCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Show or switch the active organization",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved user and organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(a.Session.Identity(cmd.Context()))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <organization-id>",
		Short: "Make an organization the target of new records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.application(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Auth.SetOrganization(map[string]any{"id": args[0]}); err != nil {
				return err
			}
			return c.print(a.Session.Identity(cmd.Context()))
		},
	})

	return cmd
}

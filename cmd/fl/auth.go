package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fitline/internal/app"
	"fitline/internal/identity"
)

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Identity",
		Long:  "Show who you are acting as, sign in with a provider token, or manage the guest identifier.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				id, err := s.Identity.Current(ctx)
				if err != nil {
					return err
				}
				return printIdentity(id)
			})
		},
	})

	var token, subject, email, name string
	var dev bool
	login := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a provider token",
		Long: `Stores a provider token in the workspace. With --dev the token is minted
by the sandbox server at api.base_url instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if dev {
					if strings.TrimSpace(subject) == "" {
						return fmt.Errorf("--subject is required with --dev")
					}
					minted, err := s.Client.DevLogin(ctx, subject, email, name)
					if err != nil {
						return err
					}
					token = minted
				}
				if strings.TrimSpace(token) == "" {
					return fmt.Errorf("--token or --dev is required")
				}
				if err := s.Identity.SignIn(ctx, token); err != nil {
					return err
				}
				id, err := s.Identity.Current(ctx)
				if err != nil {
					return err
				}
				return printIdentity(id)
			})
		},
	}
	login.Flags().StringVar(&token, "token", "", "provider token (JWT)")
	login.Flags().BoolVar(&dev, "dev", false, "mint a token from the sandbox server")
	login.Flags().StringVar(&subject, "subject", "", "subject for --dev")
	login.Flags().StringVar(&email, "email", "", "email for --dev")
	login.Flags().StringVar(&name, "name", "", "display name for --dev")
	cmd.AddCommand(login)

	cmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Sign out and fall back to the guest identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Identity.SignOut(ctx); err != nil {
					return err
				}
				id, err := s.Identity.Current(ctx)
				if err != nil {
					return err
				}
				return printIdentity(id)
			})
		},
	})

	guest := &cobra.Command{Use: "guest", Short: "Guest identifier"}
	guest.AddCommand(&cobra.Command{
		Use:   "set <id>",
		Short: "Act as an existing guest identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Identity.OverrideGuestIdentifier(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Guest identifier set to %s\n", strings.TrimSpace(args[0]))
				return nil
			})
		},
	})
	guest.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Start over with a fresh guest identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				id := identity.NewGuestIdentifier()
				if err := s.Identity.OverrideGuestIdentifier(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Guest identifier set to %s\n", id)
				return nil
			})
		},
	})
	cmd.AddCommand(guest)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show identity, skin, library mode and service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				id, err := s.Identity.Current(ctx)
				if err != nil {
					return err
				}
				mode, health := "remote", "unknown"
				if viper.GetBool("offline") {
					mode, health = "offline", "skipped"
				} else if resp, err := s.Client.Health(ctx); err != nil {
					health = "unreachable: " + err.Error()
				} else {
					health = resp["status"]
				}
				out := map[string]any{
					"identity": id.ID(),
					"guest":    id.IsGuest(),
					"skin":     s.Theme.Current(),
					"mode":     mode,
					"api":      s.Config.API.BaseURL,
					"health":   health,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Field", "Value"})
				for _, k := range []string{"identity", "guest", "skin", "mode", "api", "health"} {
					tw.AppendRow(table.Row{k, out[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printIdentity(id identity.Identity) error {
	out := map[string]any{
		"id":    id.ID(),
		"name":  id.DisplayName(),
		"email": id.Email(),
		"guest": id.IsGuest(),
	}
	if viper.GetBool("json") {
		return printJSON(out)
	}
	kind := "signed in"
	if id.IsGuest() {
		kind = "guest"
	}
	fmt.Printf("%s <%s> (%s, %s)\n", id.DisplayName(), id.Email(), id.ID(), kind)
	return nil
}

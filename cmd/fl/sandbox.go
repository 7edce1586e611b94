package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fitline/internal/config"
	"fitline/internal/db"
	"fitline/internal/migrate"
	"fitline/internal/repo"
	"fitline/internal/sandbox"
	"fitline/internal/storage"
)

const sandboxSecretEnv = "FITLINE_SANDBOX_JWT_SECRET"

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Local stand-in for the remote service",
		Long: `Serves the asset and generation API from the workspace so the CLI can be
used without the hosted service. Generated media are deterministic placeholders.`,
	}

	var addr, publicURL string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the sandbox server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			secret, err := sandboxSecret(cfg, workspace, true)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace, Name: db.SandboxDBName})
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger()
			if _, err := migrate.Run(cmd.Context(), conn, log); err != nil {
				return err
			}
			mediaDir := cfg.Sandbox.MediaDir
			if mediaDir == "" {
				mediaDir = filepath.Join(".fitline", "sandbox", "media")
			}
			if !filepath.IsAbs(mediaDir) {
				mediaDir = filepath.Join(workspace, mediaDir)
			}
			files, err := storage.NewFileStore(mediaDir)
			if err != nil {
				return err
			}
			h, err := sandbox.New(sandbox.Config{
				Repo:      repo.Repo{DB: conn},
				Files:     files,
				JWTSecret: secret,
				PublicURL: publicURL,
				Log:       log,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Sandbox.Addr
			}
			fmt.Printf("Sandbox listening on http://%s (media in %s)\n", addr, files.Root())
			return sandbox.ListenAndServe(cmd.Context(), addr, h)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (defaults to sandbox.addr)")
	serve.Flags().StringVar(&publicURL, "public-url", "", "base URL used in media links")
	cmd.AddCommand(serve)

	var subject, email, name string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with the sandbox secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret, err := sandboxSecret(cfg, viper.GetString("workspace"), false)
			if err != nil {
				return err
			}
			tok, err := sandbox.SignDevToken(secret, subject, email, name, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "dev-user", "token subject")
	token.Flags().StringVar(&email, "email", "", "email claim")
	token.Flags().StringVar(&name, "name", "", "name claim")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(token)
	return cmd
}

// sandboxSecret resolves the signing secret from the environment, then
// fitline.yml. When create is set a missing secret is generated and stored
// in the workspace .env.
func sandboxSecret(cfg *config.Config, workspace string, create bool) (string, error) {
	if s := strings.TrimSpace(viper.GetString("sandbox-jwt-secret")); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(cfg.Sandbox.JWTSecret); s != "" {
		return s, nil
	}
	if !create {
		return "", fmt.Errorf("no sandbox secret: set %s or sandbox.jwt_secret, or run 'fl sandbox serve' once", sandboxSecretEnv)
	}
	secret := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := setEnvValue(filepath.Join(workspace, ".env"), sandboxSecretEnv, secret); err != nil {
		return "", err
	}
	fmt.Printf("Generated sandbox secret in %s\n", filepath.Join(workspace, ".env"))
	return secret, nil
}


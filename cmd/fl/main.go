package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fitline/internal/app"
	"fitline/internal/config"
	"fitline/internal/db"
	"fitline/internal/domain"
	"fitline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fitline virtual try-on CLI",
	Long: `Fitline manages a personal library of fashion images and videos and runs
a four step virtual try-on: pick a model, optionally swap the background,
pick a garment, then generate the try-on and decide whether to keep it.
- Workspace: the .fitline directory holding local state (guest id, skin, offline assets, event log).
- Identity: a guest id is created on first use; 'fl auth login' switches to a provider token.
- Assets: 'fl assets' lists and edits the library; 'fl assets watch' follows it live.
- Try-on: 'fl tryon wizard' walks the steps; 'fl tryon run' does it in one go.
- Sandbox: 'fl sandbox serve' runs a local stand-in for the remote service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	envPath := filepath.Join(viper.GetString("workspace"), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", envPath, err)
	}
	viper.SetEnvPrefix("FITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.Bool("offline", false, "keep the asset library on local storage only")
	flags.String("api-base-url", "", "remote service base URL (overrides fitline.yml)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "offline", "api-base-url", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(assetsCmd())
	rootCmd.AddCommand(tryonCmd())
	rootCmd.AddCommand(videoCmd())
	rootCmd.AddCommand(textCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(configCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "User settings"}
	skin := &cobra.Command{Use: "skin", Short: "Table skin"}
	skin.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the active skin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				current := s.Theme.Current()
				if viper.GetBool("json") {
					return printJSON(map[string]any{"skin": current, "available": domain.Skins})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Skin", "Active"})
				for _, sk := range domain.Skins {
					mark := ""
					if sk == current {
						mark = "*"
					}
					tw.AppendRow(table.Row{sk, mark})
				}
				tw.Render()
				return nil
			})
		},
	})
	skin.AddCommand(&cobra.Command{
		Use:       "set <skin>",
		Short:     "Switch skin",
		Args:      cobra.ExactArgs(1),
		ValidArgs: skinNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				sk, err := domain.ParseSkin(args[0])
				if err != nil {
					return err
				}
				if err := s.Theme.Set(ctx, sk); err != nil {
					return err
				}
				fmt.Printf("Skin set to %s\n", sk)
				return nil
			})
		},
	})
	cmd.AddCommand(skin)
	return cmd
}

func skinNames() []string {
	out := make([]string, len(domain.Skins))
	for i, sk := range domain.Skins {
		out[i] = string(sk)
	}
	return out
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything this workspace did: asset edits, generations, saves, identity and skin changes.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items, err := s.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func newLogger() zerolog.Logger {
	return logger.New(logger.Options{
		Level:  logger.ParseLevel(viper.GetString("log-level")),
		Format: viper.GetString("log-format"),
	})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if base := strings.TrimSpace(viper.GetString("api-base-url")); base != "" {
		cfg.API.BaseURL = base
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Offline:   viper.GetBool("offline"),
		Log:       newLogger(),
		ApplySkin: applySkin,
		SignInRequired: func(context.Context) {
			fmt.Fprintln(os.Stderr, "sign in first: fl auth login --token <token> (or drop --offline to use the guest identity)")
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

var tableStyle = table.StyleDefault

// applySkin maps a skin onto the table style every command renders with.
func applySkin(sk domain.Skin) {
	switch sk {
	case domain.SkinLight:
		tableStyle = table.StyleLight
	case domain.SkinBanana:
		tableStyle = table.StyleColoredBlackOnYellowWhite
	case domain.SkinMidnight:
		tableStyle = table.StyleColoredDark
	default:
		tableStyle = table.StyleDefault
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(tableStyle)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"dracanus/internal/app"
	"dracanus/internal/config"
	"dracanus/internal/db"
	"dracanus/internal/logging"
	"dracanus/internal/repo"
	"dracanus/internal/server"
)

const rootLong = `Dracanus turns a goal into jobs, runs each job on a specialized agent under your
policies, and records every execution for audit, replay and learning.
Core concepts:
- Workspace: the directory holding dracanus.yml and the .dracanus database.
- Agent: a capability profile (category, prompt, preferred backend). Seed the catalog with 'dcn agent seed'.
- Goal: free text you submit; it is decomposed into jobs, each routed to an agent.
- Policy: a governance rule checked before every job (rate, budget, content, approval, time window, CEL).
- Blocked action: a job a policy stopped; approve or reject it with 'dcn blocked'.
- Execution: the recorded attempt of one job; inspect, replay and export it with 'dcn exec'.
- Insight: a pattern mined from recent executions by 'dcn learn analyze'.
- Event log: every bookkeeping change, view with 'dcn log tail'.`

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dcn",
		Short:         "Dracanus CLI",
		Long:          rootLong,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	addPersistentFlags(root)
	root.AddCommand(
		configCmd(),
		agentCmd(),
		projectCmd(),
		goalCmd(),
		execCmd(),
		metricsCmd(),
		policyCmd(),
		blockedCmd(),
		learnCmd(),
		notifyCmd(),
		logCmd(),
		apikeyCmd(),
		serveCmd(),
	)
	return root
}

func initConfig() {
	viper.SetEnvPrefix("DRACANUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("owner", "local-user", "owner id the command acts for")
	flags.String("project", "", "project id")
	flags.String("config", "", "config file (defaults to <workspace>/dracanus.yml)")
	for _, name := range []string{"workspace", "json", "owner", "project", "config"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage dracanus.yml",
		Long:  "dracanus.yml holds the environment, completion backends, routing keywords, audit, learning and notification settings. Backend API keys stay in the environment.",
	}
	cfg.AddCommand(configInitCmd(), configShowCmd(), configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dracanus.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig(true)
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every bookkeeping change: goals, executions, policy triggers, blocked actions, deployments and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, repo.EventFilter{
					OwnerID:    owner(),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(events))
				for _, evt := range events {
					rows = append(rows, table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.Payload})
				}
				return output(cmd.OutOrStdout(), events, table.Row{"ID", "TS", "Type", "Entity", "Payload"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the owner; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret, key, err := a.Engine.CreateAPIKey(ctx, owner(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"id": key.ID, "owner_id": key.OwnerID, "name": key.Name, "key": secret})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s for %s:\n%s\nSend it as X-Api-Key; it cannot be shown again.\n", key.ID, key.OwnerID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowOwnerHeader, devLogin bool
	var relayTypes []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the event relay",
		Long:  "Serves the API under --base-path. Bearer tokens are verified with DRACANUS_JWT_SECRET. When notifications.nats_url is set, new events are relayed to NATS.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("DRACANUS_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				seeded, err := a.Engine.SeedAgents(ctx)
				if err != nil {
					return err
				}
				a.Logger.Info("agent catalog ready", zap.Int("seeded", seeded))
				handler, err := server.New(server.Config{
					Engine:       a.Engine,
					Orchestrator: a.Orchestrator,
					Audit:        a.Audit,
					Learning:     a.Learning,
					BasePath:     basePath,
					Auth: server.AuthConfig{
						JWTSecret:        secret,
						AllowOwnerHeader: allowOwnerHeader,
						DevLogin:         devLogin,
						Logger:           a.Logger,
					},
					Logger: a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if relay := a.Relay(relayTypes...); relay != nil {
					g.Go(func() error { return relay.Run(gctx) })
					a.Logger.Info("event relay started", zap.String("prefix", a.Config.Notifications.SubjectPrefix))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Serving Dracanus API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowOwnerHeader, "allow-owner-header", false, "trust X-Owner-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().StringSliceVar(&relayTypes, "relay-types", nil, "event types to relay (default all)")
	return cmd
}

// --- helpers ---

func owner() string {
	return strings.TrimSpace(viper.GetString("owner"))
}

// loadConfig reads --config when set, otherwise the workspace file. With
// required, a missing workspace file is an error instead of the defaults.
func loadConfig(required bool) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	workspace := viper.GetString("workspace")
	if required {
		return config.Load(workspace)
	}
	return config.LoadOptional(workspace)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if owner() == "" {
		return fmt.Errorf("--owner must not be empty")
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logging.WithOwner(ctx, owner()), a)
}

// output prints v as JSON with --json, otherwise as a table.
func output(w io.Writer, v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("--%s must be RFC 3339: %w", name, err)
	}
	return &t, nil
}

// toAnyMap widens key=value flags into a JSON-like map.
func toAnyMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

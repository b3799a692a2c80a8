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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stageline/internal/app"
	"stageline/internal/auth"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/events"
	"stageline/internal/index"
	"stageline/internal/server"
	"stageline/internal/telemetry"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline drives a content thread through an ordered stack of stages.
- Stack: a YAML list of stage ids; a stage with approval_required pauses the run at a gate.
- Run: sl run executes stages in order until a gate, a failure or the end of the stack.
- Approve: sl approve completes the gate and continues to the next one.
- Retry: sl retry re-runs a failed stage, bounded by max_attempts.
- State: projects/<project>/threads/<thread>/state.json, with an append-only log.jsonl next to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	setup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func setup() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
}

// execute runs the command line and reports a failure on stderr, keeping stdout for results.
func execute(ctx context.Context, args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("root", "r", ".", "state root directory")
	flags.StringP("config", "c", "", "config file (default <root>/stageline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor recorded on approvals")
	flags.String("log-level", "", "log level override")
	flags.String("log-format", "", "log format override (json or console)")
	for _, name := range []string{"root", "config", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(stackCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func runCmd() *cobra.Command {
	var stackRef string
	var params []string
	cmd := &cobra.Command{
		Use:   "run <project-id> <thread-id>",
		Short: "Run stages until an approval gate, a failure or completion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.RunUntilGate(ctx, args[0], args[1], engine.RunOptions{Stack: stackRef, Parameters: parsed})
				if err != nil {
					return err
				}
				return printState(rt, st)
			})
		},
	}
	cmd.Flags().StringVarP(&stackRef, "stack", "s", "", "stack name or path (required for a new run)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "stage parameter key=value, or stage:key=value (repeatable)")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <project-id> <thread-id>",
		Short: "Approve the current gate and continue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.Approve(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printState(rt, st)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id> <thread-id>",
		Short: "Show the persisted state of a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.Status(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printState(rt, st)
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <project-id> <thread-id>",
		Short: "Re-run the failed stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.Retry(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printState(rt, st)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var f index.Filter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				f.Status = domain.RunStatus(status)
				if !f.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var runs []domain.RunSummary
				var err error
				if rt.Index != nil {
					runs, err = rt.Index.List(ctx, f)
				} else {
					runs, err = index.Scan(rt.Engine.Store, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				renderRuns(runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows (0 means all)")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Read a thread's event log",
	}
	cmd.AddCommand(logTailCmd())
	cmd.AddCommand(logFollowCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f events.Filter
	cmd := &cobra.Command{
		Use:   "tail <project-id> <thread-id>",
		Short: "Print events",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Engine.Events.Read(args[0], args[1], f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				renderEvents(evts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of most recent events (0 means all)")
	return cmd
}

func logFollowCmd() *cobra.Command {
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "follow <project-id> <thread-id>",
		Short: "Stream events as they are appended",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				enc := json.NewEncoder(os.Stdout)
				err := rt.Engine.Events.Follow(ctx, args[0], args[1], fromStart, func(evt events.Event) error {
					return enc.Encode(evt)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "replay existing events first")
	return cmd
}

func stackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Inspect stack definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <name-or-path>",
		Short: "Load a stack and report its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				def, path, err := rt.Engine.Catalog.Resolve(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": path, "stack": def})
				}
				fmt.Printf("stack %s (%s) is valid\n", def.Name, path)
				renderStack(def)
				return nil
			})
		},
	})
	return cmd
}

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the run index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the run index from the state files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				idx, err := rt.RequireIndex()
				if err != nil {
					return err
				}
				report, err := idx.Rebuild(ctx, rt.Engine.Store)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("indexed %d runs\n", report.Indexed)
				for _, s := range report.Skipped {
					fmt.Println("skipped:", s)
				}
				return nil
			})
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage stageline.yml",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config into the root directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("root"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(viper.GetString("root"), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue API bearer tokens",
	}
	var subject string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return errors.New("no JWT secret configured (server.jwt_secret or STAGELINE_JWT_SECRET)")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := auth.Issue(secret, subject, perms, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	issue.Flags().StringSliceVar(&perms, "perm", []string{auth.PermRead}, "permissions granted")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: jwtSecret(cfg)}
				if authCfg.JWTSecret == "" {
					rt.Logger.Warn().Msg("no JWT secret configured, the API is open")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					Index:    rt.Index,
					Metrics:  rt.Metrics,
					Logger:   rt.Logger.With().Str("component", "http").Logger(),
					BasePath: basePath,
					Auth:     authCfg,
					Version:  version,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("root"))
	}
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	shutdown, err := telemetry.SetupTracing(cfg.Tracing, os.Stderr)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())
	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

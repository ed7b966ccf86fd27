package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"backlogwatch/internal/app"
	"backlogwatch/internal/config"
	"backlogwatch/internal/cursor"
	"backlogwatch/internal/domain"
	"backlogwatch/internal/monitor"
	"backlogwatch/internal/server"
	"backlogwatch/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "bw",
	Short: "Backlog Watch CLI",
	Long: `Backlog Watch follows the order backlog through periodic spreadsheet snapshots.
- Snapshots: the current export plus the morning, afternoon and dated copies in the data directory.
- Dashboard: compares two snapshots and counts which orders were treated and which persist, per category.
- Partitions (carteiras): the current snapshot split by portfolio, exported in batches of 300 rows.
- Cursor: each partition remembers the last exported batch; it restarts when the source file changes.
- Event log: every exported batch and source change, view with 'bw log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BACKLOGWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/"+config.FileName+")")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(partitionsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var debounce time.Duration
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx, "json")
			if err != nil {
				return err
			}
			defer w.Close()
			log := w.Logger

			authCfg := server.AuthConfig{
				JWTSecret: viper.GetString("jwt-secret"),
				Password:  w.Config.Auth.Password,
				TokenTTL:  w.Config.Auth.TokenTTL,
			}
			if pw := viper.GetString("password"); pw != "" {
				authCfg.Password = pw
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BACKLOGWATCH_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: w.Engine, BasePath: basePath, Auth: authCfg, Logger: log})
			if err != nil {
				return err
			}

			if !noWatch {
				current, err := w.Engine.Store.Path(domain.SnapshotCurrent)
				if err != nil {
					return err
				}
				watcher, err := watch.New(current, w.Engine, debounce, log)
				if err != nil {
					return err
				}
				if err := watcher.Start(ctx); err != nil {
					log.Warn("snapshot watch disabled", zap.Error(err))
				}
				defer watcher.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving backlog watch API", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Backlog Watch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "delay before re-checking a changed snapshot file")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the current snapshot file")
	return cmd
}

func dashboardCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show reconciliation panels",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := dashboardOptions(date)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				d, err := e.Dashboard(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				st := table.NewWriter()
				st.SetOutputMirror(os.Stdout)
				st.AppendHeader(table.Row{"Snapshot", "Orders", "Duplicates", "Status"})
				for _, s := range d.Snapshots {
					status := "ok"
					switch {
					case s.Missing:
						status = "no data"
					case s.LoadError != "":
						status = "unreadable"
					}
					st.AppendRow(table.Row{s.Key, s.Orders, s.Duplicates, status})
				}
				st.Render()

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Panel", "Total", "Treated", "Persistent", "Entered", "Treated %"})
				for _, p := range d.Panels {
					if !p.Available {
						tw.AppendRow(table.Row{p.Label, "-", "-", "-", "-", p.Reason})
						continue
					}
					tw.AppendRow(table.Row{p.Label, p.Total, p.Treated, p.Persistent, p.Entered, fmt.Sprintf("%.2f", p.TreatedShare)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "comparison day (YYYY-MM-DD), default today")
	return cmd
}

func partitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "List partitions of the current snapshot with their next batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				b, err := e.Partitions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				if b.NoData {
					fmt.Println("no data:", b.Reason)
					return nil
				}
				printWindows(b.Partitions)
				return nil
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var partition, format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the next batch of a partition and advance its cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(partition) == "" {
				return fmt.Errorf("--partition required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				b, path, err := exportToDir(ctx, e, partition, format, out, viper.GetString("actor-id"))
				if errors.Is(err, cursor.ErrExhausted) {
					return fmt.Errorf("partition %s: all %d orders already exported", partition, b.Window.Size)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": path, "batch": b})
				}
				fmt.Printf("wrote %s (rows %d-%d of %d)\n", path, b.Window.Start, b.Window.End, b.Window.Size)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "partition (carteira) name")
	cmd.Flags().StringVar(&format, "format", "", "xlsx or csv (default from config)")
	cmd.Flags().StringVar(&out, "out", ".", "output directory")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}

// exportToDir writes the next batch into out. The cursor advances only after
// the file is on disk.
func exportToDir(ctx context.Context, e monitor.Engine, partition, format, out, actorID string) (monitor.Batch, string, error) {
	var path string
	b, err := e.ExportBatchFunc(ctx, partition, format, actorID, func(b monitor.Batch) error {
		if err := os.MkdirAll(out, 0o755); err != nil {
			return err
		}
		path = filepath.Join(out, b.FileName)
		return os.WriteFile(path, b.Data, 0o644)
	})
	return b, path, err
}

func refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-hash the current snapshot and reset cursors if it changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				changed, err := e.CheckSource(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"changed": changed, "fingerprint": e.Cursors.Fingerprint()})
				}
				if changed {
					fmt.Println("source changed; cursors reset")
				} else {
					fmt.Println("source unchanged")
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every exported batch, exhausted partition and source change.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				var events []domain.Event
				var err error
				if evtType != "" {
					events, err = e.Repo.ListEvents(ctx, n, 0, evtType)
				} else {
					events, err = e.Repo.TailEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Partition", "Actor", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Partition, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config names the snapshot files, the columns to read, the export batch and the criticality categories. It lives in " + config.FileName + ".",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for integrations",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				key, plain, err := e.Repo.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e monitor.Engine) error {
				return e.Repo.RevokeAPIKey(ctx, args[0])
			})
		},
	}
}

func openWorkspace(ctx context.Context, encoding string) (*app.Context, error) {
	return app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		ConfigPath:  viper.GetString("config"),
		LogLevel:    viper.GetString("log-level"),
		LogEncoding: encoding,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, monitor.Engine) error) error {
	w, err := openWorkspace(ctx, "console")
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w.Engine)
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func dashboardOptions(date string) (monitor.DashboardOptions, error) {
	if strings.TrimSpace(date) == "" {
		return monitor.DashboardOptions{}, nil
	}
	d, err := time.ParseInLocation(domain.DateLayout, strings.TrimSpace(date), time.Local)
	if err != nil {
		return monitor.DashboardOptions{}, fmt.Errorf("--date must be YYYY-MM-DD")
	}
	return monitor.DashboardOptions{Date: d}, nil
}

func printWindows(ws []cursor.Window) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Partition", "Orders", "Next batch", "Status"})
	for _, w := range ws {
		next := fmt.Sprintf("%d-%d", w.Start, w.End)
		status := "pending"
		if w.Len() == 0 {
			next = "-"
			status = "done"
		}
		tw.AppendRow(table.Row{w.Partition, w.Size, next, status})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

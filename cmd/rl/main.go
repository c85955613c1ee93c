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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewlog/internal/app"
	"reviewlog/internal/config"
	"reviewlog/internal/db"
	"reviewlog/internal/domain"
	"reviewlog/internal/idconv"
	"reviewlog/internal/migrate"
	"reviewlog/internal/server"
)

const longHelp = `rl keeps a per-user log of spaced-repetition events and the task states derived from it.
- Events: immutable facts about a task (ingest, repetition, reschedule, updateMetadata) linked to their causal parents.
- Task states: snapshots rebuilt by replaying events in causal order; replaying the same event twice is a no-op.
- Legacy logs: older clients send action logs whose IDs are converted deterministically before storage.
- Counters: each user's active task count, kept in step with every snapshot change.
- Workspace: a .reviewlog directory holding the SQLite database, plus reviewlog.yml for settings.`

type cli struct {
	v   *viper.Viper
	out io.Writer
	err io.Writer
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, err: errOut}
	c.v.SetEnvPrefix("REVIEWLOG")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "rl",
		Short:         "Review log CLI",
		Long:          longHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/reviewlog.yml)")
	flags.StringP("user", "u", "local", "user whose log is read or written")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "config", "user", "json", "log-level", "log-format"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(c.initCmd())
	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.serveCmd())
	root.AddCommand(c.logCmd())
	root.AddCommand(c.eventsCmd())
	root.AddCommand(c.tasksCmd())
	root.AddCommand(c.counterCmd())
	root.AddCommand(c.idsCmd())
	return root
}

func (c *cli) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default config and migrated database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := c.v.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(c.out, "Config %s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Wrote %s\n", path)
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(c.out, "Workspace ready (%s store)\n", a.DB.Dialect)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := migrate.Version(a.DB.DB, a.DB.Dialect)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(map[string]int{"version": v})
				}
				fmt.Fprintf(c.out, "Schema at version %d\n", v)
				return nil
			})
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var addr, basePath string
	var allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.withApp(ctx, func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:       cfg.Server.JWTSecret,
					AllowUserHeader: cfg.Server.AllowUserHeader || allowUserHeader,
					Logger:          a.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowUserHeader {
					return fmt.Errorf("REVIEWLOG_JWT_SECRET is required for bearer auth (or enable --allow-user-header for development)")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						a.Logger.Warn("shutdown", "error", err)
					}
				}()
				fmt.Fprintf(c.out, "Serving review log API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "trust the X-User-Id header")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Submit legacy action logs"}
	var file string
	patch := &cobra.Command{
		Use:   "patch",
		Short: "Convert and apply a JSON array of legacy action logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var logs []domain.LegacyActionLog
			if err := readJSON(cmd.InOrStdin(), file, &logs); err != nil {
				return err
			}
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Engine.PatchActionLogs(ctx, userID, logs)
				if printErr := c.printRecords(recs); printErr != nil {
					return errors.Join(err, printErr)
				}
				return err
			})
		},
	}
	patch.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")
	cmd.AddCommand(patch)
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Write and read events"}

	var file string
	put := &cobra.Command{
		Use:   "put",
		Short: "Store a JSON array of events and apply them",
		RunE: func(cmd *cobra.Command, args []string) error {
			var evts []domain.Event
			if err := readJSON(cmd.InOrStdin(), file, &evts); err != nil {
				return err
			}
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Engine.PutEvents(ctx, userID, evts)
				if printErr := c.printRecords(recs); printErr != nil {
					return errors.Join(err, printErr)
				}
				return err
			})
		},
	}
	put.Flags().StringVarP(&file, "file", "f", "-", "JSON file to read, - for stdin")

	var q domain.EventQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored events in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.ListEvents(ctx, userID, q)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(eventPageView{Items: nonNil(page.Items), HasMore: page.HasMore})
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"ID", "Entity", "Type", "Timestamp", "Parents"})
				for _, evt := range page.Items {
					tw.AppendRow(table.Row{evt.ID, evt.EntityID, evt.Type, formatMillis(evt.TimestampMillis), strings.Join(evt.ParentActionLogIDs, ",")})
				}
				tw.Render()
				c.printMore(page.HasMore)
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.AfterID, "after", "", "only events stored after this event ID")
	list.Flags().StringVar(&q.EntityID, "entity", "", "only events for this task ID")
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size (default 100)")

	cmd.AddCommand(put, list)
	return cmd
}

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Read and repair task states"}

	var q domain.EntityQuery
	var dueBefore string
	list := &cobra.Command{
		Use:   "list",
		Short: "List task states in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dueBefore != "" {
				ms, err := strconv.ParseInt(dueBefore, 10, 64)
				if err != nil {
					return fmt.Errorf("--due-before must be milliseconds since epoch: %w", err)
				}
				q.DueBeforeTimestampMillis = &ms
			}
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.ListTasks(ctx, userID, q)
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(taskPageView{Items: nonNil(page.Items), HasMore: page.HasMore})
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"Task", "Due", "Interval", "Reps", "Deleted", "Last Event"})
				for _, rec := range page.Items {
					s := rec.Entity
					tw.AppendRow(table.Row{s.TaskID, formatMillis(s.DueTimestampMillis), time.Duration(s.Interval.IntervalMillis) * time.Millisecond, s.Interval.RepetitionCount, s.IsDeleted, rec.LastEventID})
				}
				tw.Render()
				c.printMore(page.HasMore)
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.AfterID, "after", "", "only tasks created after this task ID")
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size (default 100)")
	list.Flags().StringVar(&dueBefore, "due-before", "", "only active tasks due before this time (ms since epoch)")

	show := &cobra.Command{
		Use:   "show <taskID>",
		Short: "Show one task state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.GetTask(ctx, userID, args[0])
				if err != nil {
					return err
				}
				return c.printJSON(rec)
			})
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild <taskID>",
		Short: "Replay a task's full history and overwrite its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.RebuildTask(ctx, userID, args[0])
				if err != nil {
					return err
				}
				return c.printJSON(rec)
			})
		},
	}

	cmd.AddCommand(list, show, rebuild)
	return cmd
}

func (c *cli) counterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "counter", Short: "Inspect the active task counter"}
	var recount bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active task count",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := c.userID()
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var view counterView
				view.UserID = userID
				if recount {
					view.ActiveTaskCount, view.Correction, err = a.Engine.RecountActiveTasks(ctx, userID)
				} else {
					view.ActiveTaskCount, err = a.Engine.ActiveTaskCount(ctx, userID)
				}
				if err != nil {
					return err
				}
				if c.v.GetBool("json") {
					return c.printJSON(view)
				}
				tw := c.table()
				tw.AppendHeader(table.Row{"User", "Active Tasks", "Correction"})
				tw.AppendRow(table.Row{view.UserID, view.ActiveTaskCount, view.Correction})
				tw.Render()
				return nil
			})
		},
	}
	show.Flags().BoolVar(&recount, "recount", false, "recompute from task states and repair drift")
	cmd.AddCommand(show)
	return cmd
}

func (c *cli) idsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ids", Short: "Legacy identifier helpers"}
	convert := &cobra.Command{
		Use:   "convert <legacyID>...",
		Short: "Print the event-era form of legacy log or task IDs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			converted := idconv.ConvertAll(args)
			if c.v.GetBool("json") {
				out := make(map[string]string, len(args))
				for i, id := range args {
					out[id] = converted[i]
				}
				return c.printJSON(out)
			}
			tw := c.table()
			tw.AppendHeader(table.Row{"Legacy", "Converted"})
			for i, id := range args {
				tw.AppendRow(table.Row{id, converted[i]})
			}
			tw.Render()
			return nil
		},
	}
	cmd.AddCommand(convert)
	return cmd
}

// --- helpers ---

type taskPageView struct {
	Items   []domain.EntityRecord `json:"items"`
	HasMore bool                  `json:"hasMore"`
}

type eventPageView struct {
	Items   []domain.Event `json:"items"`
	HasMore bool           `json:"hasMore"`
}

type counterView struct {
	UserID          string `json:"userID"`
	ActiveTaskCount int64  `json:"activeTaskCount"`
	Correction      int64  `json:"correction"`
}

func (c *cli) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.v.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(c.v.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := c.v.GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := c.v.GetString("store-dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := c.v.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	return cfg, cfg.Validate()
}

func (c *cli) withApp(ctx context.Context, fn func(context.Context, *app.App) error) (err error) {
	workspace := c.v.GetString("workspace")
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == string(db.SQLite) {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
	}
	logger, err := app.NewLogger(c.err, c.v.GetString("log-level"), c.v.GetString("log-format"))
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, a.Close(closeCtx))
	}()
	return fn(ctx, a)
}

func (c *cli) userID() (string, error) {
	id := strings.TrimSpace(c.v.GetString("user"))
	if id == "" {
		return "", fmt.Errorf("--user is required")
	}
	return id, nil
}

func (c *cli) printRecords(recs []domain.EventRecord) error {
	if c.v.GetBool("json") {
		return c.printJSON(map[string]any{"items": nonNil(recs)})
	}
	tw := c.table()
	tw.AppendHeader(table.Row{"Event", "Task", "Type", "Due", "Deleted"})
	for _, rec := range recs {
		due, deleted := "-", "-"
		if rec.Entity != nil {
			due = formatMillis(rec.Entity.DueTimestampMillis)
			deleted = strconv.FormatBool(rec.Entity.IsDeleted)
		}
		tw.AppendRow(table.Row{rec.Event.ID, rec.Event.EntityID, rec.Event.Type, due, deleted})
	}
	tw.Render()
	return nil
}

func (c *cli) printMore(hasMore bool) {
	if hasMore {
		fmt.Fprintln(c.out, "(more results; pass --after with the last ID)")
	}
}

func (c *cli) table() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.out)
	return tw
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(stdin io.Reader, path string, out any) error {
	var r io.Reader = stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", displayPath(path), err)
	}
	return nil
}

func displayPath(path string) string {
	if path == "" || path == "-" {
		return "stdin"
	}
	return path
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"reviewlog/internal/config"
	"reviewlog/internal/db"
	"reviewlog/internal/engine"
	"reviewlog/internal/events"
	"reviewlog/internal/migrate"
	"reviewlog/internal/repo"
)

// App is everything a command or server needs, opened from one workspace.
type App struct {
	Config     *config.Config
	DB         *db.Handle
	Repo       repo.Repo
	Engine     engine.Engine
	Dispatcher *events.Dispatcher
	Logger     *slog.Logger
}

// NewLogger builds the process logger. format is "text" or "json".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// Open connects the configured store, migrates it and starts the notification dispatcher.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h, err := db.Connect(ctx, db.Config{Workspace: workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(h.DB, h.Dialect); err != nil {
		h.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	sink, err := events.Open(cfg.Sink, logger)
	if err != nil {
		h.Close()
		return nil, err
	}
	r := repo.New(h)
	r.RetryBudget = cfg.Store.RetryBudget
	r.RetryBackoff = cfg.Store.RetryBackoff

	dispatcher := events.NewDispatcher(sink, cfg.Sink.Buffer, logger)
	logger.Debug("store opened", "driver", string(h.Dialect), "sink", cfg.Sink.Kind)
	return &App{
		Config:     cfg,
		DB:         h,
		Repo:       r,
		Engine:     engine.New(r, cfg, dispatcher, logger),
		Dispatcher: dispatcher,
		Logger:     logger,
	}, nil
}

// Close flushes pending notifications and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil && !errors.Is(err, events.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

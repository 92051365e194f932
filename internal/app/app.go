// Package app assembles a running claimwatch instance from configuration:
// database, lock backend, GitHub client, notifiers, telemetry and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"claimwatch/internal/config"
	"claimwatch/internal/db"
	"claimwatch/internal/engine"
	"claimwatch/internal/github"
	"claimwatch/internal/lock"
	"claimwatch/internal/migrate"
	"claimwatch/internal/notify"
	"claimwatch/internal/progress"
	"claimwatch/internal/queue"
	"claimwatch/internal/telemetry"
)

const cleanupInterval = time.Hour

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/claimwatch.yml.
	ConfigPath string
	// DBPath overrides config database.path.
	DBPath  string
	Logger  *slog.Logger
	Version string
	// Offline skips the GitHub client; lifecycle jobs then fail as degraded checks.
	Offline bool
}

type App struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	GitHub  *github.Client
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	closers []func(context.Context) error
}

// LoadConfig reads the config file, falling back to defaults when the
// workspace has none and no explicit path was given.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open loads config, opens and migrates the database and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, opts.Version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)
	if a.Metrics, err = telemetry.NewMetrics(telemetry.Meter()); err != nil {
		a.Close(ctx)
		return nil, err
	}

	path := opts.DBPath
	if path == "" {
		path = cfg.Database.Path
	}
	conn, err := db.Open(db.Config{Path: path, Workspace: opts.Workspace, BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Metrics = a.Metrics
	e.Locks.Logger = logger
	// offline: no activity source, so every check degrades; issue changes are logged
	e.Monitor = progress.Monitor{Timeout: cfg.Worker.ProgressTimeout, Logger: logger, Metrics: a.Metrics}
	e.Issues = github.DryRun{Logger: logger}
	if cfg.Lock.Backend == "redis" {
		rl := lock.NewRedisLocker(cfg.Lock.Redis)
		if err := rl.Ping(ctx); err != nil {
			rl.Close()
			a.Close(ctx)
			return nil, fmt.Errorf("lock: redis %s: %w", cfg.Lock.Redis.Addr, err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
		e.Locks.Locker = rl
	}

	if !opts.Offline {
		gh, err := github.New(cfg.GitHub, nil)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		gh.Logger = logger
		a.GitHub = gh
		e.Issues = gh
		e.Monitor.Source = gh
	}
	notifier, err := notify.FromConfig(cfg.Notify, logger, e.Issues)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	e.Notifier = notifier
	a.Engine = e
	return a, nil
}

// Dispatcher builds the job dispatcher with the periodic reaper, cleanup and
// lifecycle sweep.
func (a *App) Dispatcher() *queue.Dispatcher {
	cfg := a.Config.Worker
	workerID := cfg.ID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = host + "-" + uuid.NewString()[:8]
	}
	d := &queue.Dispatcher{
		Queue:        a.Engine.Queue,
		Handlers:     a.Engine.Handlers(),
		Policy:       a.Config.Retry.Jobs,
		WorkerID:     workerID,
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
		Lease:        cfg.Lease,
		CleanupAfter: cfg.CleanupAfter,
		Logger:       a.Logger,
		Metrics:      a.Metrics,
		Tracer:       telemetry.Tracer(),
	}
	d.Periodic = []queue.Periodic{
		{Name: "reap", Interval: cfg.ReapInterval, Fn: d.Reap},
		{Name: "cleanup", Interval: cleanupInterval, Fn: d.Cleanup},
		{Name: "sweep", Interval: cfg.SweepInterval, Fn: func(ctx context.Context) error {
			_, err := a.Engine.Sweep(ctx)
			return err
		}},
	}
	return d
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package app builds every component once from a workspace, its config and
// a logger. The CLI and the HTTP server share the result.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"dracanus/internal/audit"
	"dracanus/internal/completion"
	"dracanus/internal/config"
	"dracanus/internal/db"
	"dracanus/internal/engine"
	"dracanus/internal/events"
	"dracanus/internal/executor"
	"dracanus/internal/learning"
	"dracanus/internal/logging"
	"dracanus/internal/migrate"
	"dracanus/internal/notify"
	"dracanus/internal/orchestrator"
	"dracanus/internal/policy"
	"dracanus/internal/repo"
	"dracanus/internal/telemetry"
)

type Options struct {
	Workspace string
	// Config overrides the workspace dracanus.yml.
	Config *config.Config
	Logger *zap.Logger
	Meter  metric.Meter
	// Registry overrides the backends built from config.
	Registry   *completion.Registry
	HTTPClient *http.Client
	Now        func() time.Time
}

type App struct {
	DB           *sql.DB
	Repo         repo.Repo
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
	Registry     *completion.Registry
	Executor     *executor.Executor
	Enforcer     *policy.Enforcer
	Orchestrator *orchestrator.Orchestrator
	Audit        *audit.System
	Learning     *learning.Engine
	Engine       engine.Engine
	// NATS is nil unless notifications.nats_url is set.
	NATS      *nats.Conn
	Publisher *notify.NATSPublisher
}

// Open migrates the workspace database and wires the components. Close
// releases the database and the NATS connection.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		built, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, err
		}
		logger = built
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		DB:      conn,
		Repo:    repo.Repo{DB: conn, Events: events.Writer{Now: now}},
		Config:  cfg,
		Logger:  logger,
		Metrics: telemetry.New(opts.Meter, logger),
	}
	if err := a.wire(opts, now); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Debug("workspace opened", zap.String("workspace", opts.Workspace), zap.String("environment", cfg.Environment))
	return a, nil
}

func (a *App) wire(opts Options, now func() time.Time) error {
	cfg := a.Config
	a.Registry = opts.Registry
	if a.Registry == nil {
		reg, err := completion.FromConfig(cfg, opts.HTTPClient, a.Logger)
		if err != nil {
			return err
		}
		a.Registry = reg
	}
	a.Executor = executor.New(a.Registry, cfg.Completion, a.Logger, a.Metrics).WithClock(now)

	var notifier policy.Notifier
	if url := cfg.Notifications.NATSURL; url != "" {
		nc, err := notify.Connect(url, a.Logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.NATS = nc
		a.Publisher = notify.NewNATSPublisher(nc, cfg.Notifications.SubjectPrefix)
		notifier = a.Publisher
	}
	enforcer, err := policy.NewEnforcer(a.Repo, policy.Options{
		Notifier:         notifier,
		Logger:           a.Logger,
		Metrics:          a.Metrics,
		NotificationLink: cfg.Notifications.Link,
		Now:              now,
	})
	if err != nil {
		return err
	}
	a.Enforcer = enforcer
	a.Orchestrator = orchestrator.New(a.Repo, enforcer, a.Executor, a.Registry, cfg, orchestrator.Options{
		Logger:  a.Logger,
		Metrics: a.Metrics,
		Now:     now,
	})
	a.Audit = audit.New(a.Repo, a.Executor, cfg, audit.Options{Logger: a.Logger, Now: now})
	a.Learning = learning.New(a.Repo, cfg, learning.Options{Logger: a.Logger, Metrics: a.Metrics, Now: now})
	a.Engine = engine.Engine{
		DB:       a.DB,
		Repo:     a.Repo,
		Events:   a.Repo.Events,
		Config:   cfg,
		Policies: enforcer,
		Now:      now,
	}
	return nil
}

// Relay returns an event relay over the app's NATS connection, or nil when
// NATS is not configured.
func (a *App) Relay(types ...string) *notify.Relay {
	if a.NATS == nil {
		return nil
	}
	return notify.NewRelay(a.Repo, a.NATS, a.Config.Notifications.SubjectPrefix, notify.RelayOptions{
		Interval: time.Duration(a.Config.Notifications.RelayIntervalSeconds) * time.Second,
		Types:    types,
		Logger:   a.Logger.Named("relay"),
	})
}

func (a *App) Close() error {
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			a.Logger.Warn("nats drain failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
	return a.DB.Close()
}

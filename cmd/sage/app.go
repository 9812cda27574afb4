package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DaveLoeffel/sage-app-sub001/config"
	"github.com/DaveLoeffel/sage-app-sub001/db"
	"github.com/DaveLoeffel/sage-app-sub001/escalation"
	"github.com/DaveLoeffel/sage-app-sub001/ingest"
	"github.com/DaveLoeffel/sage-app-sub001/obligation"
	"github.com/DaveLoeffel/sage-app-sub001/reconcile"
	"github.com/DaveLoeffel/sage-app-sub001/scheduler"
	"github.com/DaveLoeffel/sage-app-sub001/telemetry"
)

// app is the wiring shared by every subcommand that touches the store.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   obligation.Store
	pool    *pgxpool.Pool
	metrics *telemetry.Metrics
	policy  *escalation.Holder

	shutdownTelemetry func(context.Context) error
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
}

// openApp loads configuration and opens the store. One-shot commands log
// as text regardless of log_format.
func openApp(ctx context.Context, opts *rootOptions, oneShot bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	format := cfg.LogFormat
	if oneShot {
		format = "text"
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		MetricInterval: cfg.Telemetry.MetricInterval,
	}, Version)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.EscalationPolicy()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:               cfg,
		logger:            logger,
		metrics:           telemetry.NewMetrics(),
		policy:            escalation.NewHolder(policy),
		shutdownTelemetry: shutdown,
	}
	if err := a.openStore(ctx); err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		pool, err := db.NewPool(ctx, a.cfg.Database.URL, db.PoolOptions{
			MaxConns:        a.cfg.Database.MaxConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		if a.cfg.Database.AutoMigrate {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				pool.Close()
				return err
			}
			for _, name := range applied {
				a.logger.Info("migration applied", slog.String("name", name))
			}
		}
		a.pool = pool
		a.store = obligation.NewPGStore(pool)
	case "sqlite":
		if dir := filepath.Dir(a.cfg.Database.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create data dir %s: %w", dir, err)
			}
		}
		store, err := obligation.NewSQLiteStore(a.cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
	a.logger.Debug("store opened", slog.String("driver", a.cfg.Database.Driver))
	return nil
}

func (a *app) Close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", slog.Any("err", err))
		}
	}
}

func (a *app) service() *obligation.Service {
	return obligation.NewService(a.store)
}

func (a *app) ingestor() *ingest.Ingestor {
	return ingest.New(a.store, ingest.Config{
		Ignore:          a.cfg.Ingest.Ignore,
		DueBusinessDays: a.cfg.Ingest.DueBusinessDays,
	}, a.logger).WithMetrics(a.metrics)
}

func (a *app) matcher(svc *obligation.Service) *reconcile.Matcher {
	return reconcile.NewMatcher(a.store, svc, a.cfg.Reconcile.ContactFallback, a.logger).WithMetrics(a.metrics)
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(a.store, a.policy, scheduler.Config{
		Interval:    a.cfg.Scheduler.Interval,
		PassTimeout: a.cfg.Scheduler.PassTimeout,
		Workers:     a.cfg.Scheduler.Workers,
		BatchLimit:  a.cfg.Scheduler.BatchLimit,
	}, a.logger).WithMetrics(a.metrics)
}

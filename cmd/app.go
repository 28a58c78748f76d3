package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/approval"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/impact"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/database"
)

// app holds every long-lived component.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *database.DB
	cache     *cache.Cache
	conn      connector.Connector
	backups   *backup.Manager
	health    *health.Checker
	analyzer  *impact.Analyzer
	engine    *engine.Engine
	approvals *approval.Registry
	scheduler *scheduler.Scheduler
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// build connects the backing services and constructs the components.
// PostgreSQL and Redis are optional: without them state is kept in memory.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := database.NewPool(connectCtx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Warn("database unavailable, running without persistence",
			zap.String("dsn", redactDSN(cfg.DatabaseURL)), zap.Error(err))
	} else {
		a.db = db
	}

	if cfg.RedisURL != "" {
		rc, err := cache.NewCache(connectCtx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory state", zap.Error(err))
		} else {
			a.cache = rc
		}
	}

	// The target system. A production host registers its own connector.
	sim := connector.NewSampleSimulated("local")
	a.conn = sim
	logger.Info("connector initialised (simulated mode)", zap.String("system_id", sim.SystemID()))

	if err := a.buildBackups(ctx); err != nil {
		a.close()
		return nil, err
	}

	var outcomes interface {
		engine.OutcomeRecorder
		impact.HistoryProvider
	} = cache.NewMemoryOutcomes()
	if a.cache != nil {
		outcomes = a.cache
	}

	a.health = health.NewChecker(a.conn, 5*time.Second, logger)

	graph := impact.DefaultGraph()
	if cfg.DependencyGraphFile != "" {
		g, err := impact.LoadGraph(cfg.DependencyGraphFile)
		if err != nil {
			a.close()
			return nil, err
		}
		graph = graph.Merge(g)
	}
	a.analyzer = impact.NewAnalyzer(a.health, outcomes, graph, logger)

	registry := engine.NewRegistry()
	registerHandlers(registry)
	a.engine = engine.New(registry, outcomes, logger)
	a.engine.SetAttemptLimit(cfg.AttemptLimit)
	a.engine.Subscribe(func(ev engine.Event) {
		logger.Debug("attempt event",
			zap.String("event", string(ev.Type)),
			zap.String("attempt_id", ev.Attempt.ID),
			zap.String("status", string(ev.Attempt.Status)))
	})

	a.approvals = approval.NewRegistry(cfg.ApprovalTTL, logger)

	deps := scheduler.Deps{
		Engine:    a.engine,
		Connector: a.conn,
		Analyzer:  a.analyzer,
		Backups:   a.backups,
		Load:      a.health,
		Approvals: a.approvals,
		Notifier:  a.notifier(),
	}
	if a.cache != nil {
		deps.Maintenance = a.cache
	}
	if a.db != nil {
		deps.Store = scheduler.NewPgStore(a.db.Pool)
	}
	a.scheduler = scheduler.New(deps, scheduler.Config{
		Concurrency:             cfg.ActionConcurrency,
		DefaultMaxExecutionTime: cfg.DefaultMaxExecutionTime,
		CancelCheckInterval:     cfg.CancelCheckInterval,
		MonitorInterval:         cfg.MonitorInterval,
		LongRunningThreshold:    cfg.LongRunningThreshold,
		HistoryLimit:            cfg.HistoryLimit,
	}, logger)

	if a.db != nil {
		n, err := a.scheduler.LoadFromStore(ctx)
		if err != nil {
			logger.Warn("failed to load schedules from database", zap.Error(err))
		} else {
			logger.Info("schedules restored", zap.Int("count", n))
		}
	}

	return a, nil
}

func (a *app) buildBackups(ctx context.Context) error {
	cfg := a.cfg

	var storage backup.StorageBackend
	switch cfg.BackupStorage {
	case "s3":
		s, err := backup.NewS3Storage(ctx, backup.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return err
		}
		storage = s
	default:
		s, err := backup.NewLocalStorage(cfg.BackupStoragePath)
		if err != nil {
			return fmt.Errorf("failed to initialise storage: %w", err)
		}
		storage = s
	}

	a.backups = backup.NewManager(storage, backup.Config{
		MaxConcurrent:        cfg.MaxConcurrentBackups,
		DefaultRetentionDays: cfg.DefaultRetentionDays,
		EncryptionKey:        cfg.BackupEncryptionKey,
	}, a.logger)

	// Attach persistent store if database is available
	if a.db != nil {
		a.backups.SetStore(backup.NewPgStore(a.db.Pool))
		if err := a.backups.LoadFromStore(ctx); err != nil {
			a.logger.Warn("failed to load backup index from database", zap.Error(err))
		}
		return nil
	}
	n, err := a.backups.LoadFromStorage(ctx)
	if err != nil {
		a.logger.Warn("failed to rebuild backup index from storage", zap.Error(err))
		return nil
	}
	a.logger.Info("backup index rebuilt from storage", zap.Int("count", n))
	return nil
}

// notifier logs every notification and, with Redis, publishes it.
func (a *app) notifier() notify.Notifier {
	var external []notify.Notifier
	if a.cache != nil {
		external = append(external, notify.NewPubSubNotifier(a.cache, a.cfg.NotificationChannel))
	}
	return buildNotifier(a.logger, external, a.cfg.NotificationRate)
}

// buildNotifier rate limits the external sinks only. The log sink sees every
// notification.
func buildNotifier(logger *zap.Logger, external []notify.Notifier, perSecond float64) notify.Notifier {
	log := notify.NewLogNotifier(logger)
	if len(external) == 0 {
		return log
	}
	return notify.Multi{log, notify.NewRateLimited(notify.Multi(external), perSecond, 10)}
}

// redactDSN hides the password of a connection string for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

// Package main is the entry point for the Remedy orchestration engine.
//
// It wires together all components: configuration, PostgreSQL and Redis,
// backup storage, the remediation engine, impact analyzer, health checker,
// approval registry, notifiers, the scheduler and the HTTP API server. It
// supports graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/api"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "remedy",
		Short: "Remedy schedules, gates, executes and recovers from remediation actions",
		Long: `Remedy is the remediation orchestration engine of Open Cloud Ops.
It runs remediation actions on a schedule behind conditions, approvals,
impact analysis and pre-execution backups, and serves an HTTP API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), serve)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "cleanup-backups",
			Short: "Delete every backup past its retention and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), cleanupBackups)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "remedy", version)
			},
		},
	)
	return root
}

// withApp loads configuration, builds the components and hands them to run.
func withApp(ctx context.Context, run func(context.Context, *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", zap.Error(err))
		return err
	}
	defer a.close()

	return run(ctx, a)
}

func cleanupBackups(ctx context.Context, a *app) error {
	removed, err := a.backups.CleanupOldBackups(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("backup cleanup complete", zap.Int("removed", removed))
	return nil
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("starting remedy",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("backup_storage", cfg.BackupStorage),
		zap.Int("action_concurrency", cfg.ActionConcurrency))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.scheduler.Start(runCtx)
	go a.health.Run(runCtx, cfg.MonitorInterval)
	go runHousekeeping(runCtx, a)

	// Setup Gin router
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	var v1Middleware []gin.HandlerFunc
	if a.cache != nil && cfg.RateLimitRequests > 0 {
		v1Middleware = append(v1Middleware, api.RateLimit(a.cache, cfg.RateLimitRequests, cfg.RateLimitWindow, logger))
	}
	if cfg.APIKey == "" {
		logger.Warn("REMEDY_API_KEY not set; any well-formed API key is accepted")
	}

	handler := api.NewHandler(api.Deps{
		Scheduler: a.scheduler,
		Engine:    a.engine,
		Analyzer:  a.analyzer,
		Backups:   a.backups,
		Health:    a.health,
		Approvals: a.approvals,
		Connector: a.conn,
		APIKey:    cfg.APIKey,
		Version:   version,
	})
	handler.RegisterRoutes(router, v1Middleware...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 6 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("remedy is ready", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down remedy")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler did not stop cleanly", zap.Error(err))
	}
	cancel()

	logger.Info("remedy stopped")
	return nil
}

// runHousekeeping expires backups and approval grants periodically until
// ctx is cancelled.
func runHousekeeping(ctx context.Context, a *app) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := a.backups.CleanupOldBackups(ctx); err != nil {
				a.logger.Warn("backup cleanup failed", zap.Error(err))
			} else if removed > 0 {
				a.logger.Info("expired backups removed", zap.Int("removed", removed))
			}
			if pruned := a.approvals.PruneExpired(ctx); pruned > 0 {
				a.logger.Info("expired approvals pruned", zap.Int("pruned", pruned))
			}
		}
	}
}

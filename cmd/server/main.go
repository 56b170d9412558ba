// Package main is the entrypoint for the neuroscan API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/neuroscan/internal/analyzer"
	"github.com/kiranshivaraju/neuroscan/internal/api"
	"github.com/kiranshivaraju/neuroscan/internal/api/handler"
	mw "github.com/kiranshivaraju/neuroscan/internal/api/middleware"
	"github.com/kiranshivaraju/neuroscan/internal/cache"
	"github.com/kiranshivaraju/neuroscan/internal/config"
	"github.com/kiranshivaraju/neuroscan/internal/layout"
	"github.com/kiranshivaraju/neuroscan/internal/parser"
	"github.com/kiranshivaraju/neuroscan/internal/scan"
	"github.com/kiranshivaraju/neuroscan/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(level); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(cfg.Server.LogLevel)
	slog.Info("config loaded", "env", cfg.Server.Env, "analyzer", cfg.Analyzer.Path,
		"max_concurrent", cfg.Analyzer.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Analyzer, storage layout and risk policy
	pgStore := store.NewPostgresStore(pool)
	svc, err := newScanService(cfg, pgStore, redisCache)
	if err != nil {
		return err
	}

	report, err := svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover scans: %w", err)
	}
	slog.Info("scan recovery done", "failed", report.Failed, "requeued", report.Requeued)

	// 6. Build router with dependencies
	router := api.NewRouter(dependencies(cfg, pgStore, redisCache, svc))

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads up to UPLOAD_MAX_BYTES are streamed in the request body.
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Queued scans that miss the deadline stay pending and are requeued by
	// Recover on the next start.
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Warn("analyses still running at shutdown", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func newScanService(cfg *config.Config, st store.Store, c cache.Cache) (*scan.Service, error) {
	l, err := layout.New(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("storage layout: %w", err)
	}

	policy, err := parser.LoadPolicy(cfg.Analyzer.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load risk policy: %w", err)
	}

	invoker := analyzer.NewInvoker(analyzer.Command{
		Path:    cfg.Analyzer.Path,
		Args:    cfg.Analyzer.Args,
		Timeout: cfg.Analyzer.Timeout,
	})
	if err := invoker.Check(); err != nil {
		// Not fatal: scans fail individually until the analyzer appears.
		slog.Warn("analyzer not available", "path", cfg.Analyzer.Path, "error", err)
	}

	return scan.NewService(st, c, l, invoker, policy, scan.Options{
		UploadMaxBytes: cfg.Storage.UploadMaxBytes,
		MaxConcurrent:  cfg.Analyzer.MaxConcurrent,
		LaunchAttempts: cfg.Analyzer.LaunchAttempts,
	}), nil
}

func dependencies(cfg *config.Config, st store.Store, c cache.Cache, svc *scan.Service) api.Dependencies {
	scans := handler.NewScans(svc, cfg.Storage.UploadMaxBytes)
	return api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.RateLimit.RequestsPerMinute),

		CORSOrigins: cfg.Server.CORSOrigins,

		HealthHandler: handler.NewHealthHandler(st, c, svc.Stats),

		SubmitScan: scans.Submit,
		ListScans:  scans.List,
		GetScan:    scans.Get,
		ScanStatus: scans.Status,
		ScanImage:  scans.Image,
		DeleteScan: scans.Delete,

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}
}

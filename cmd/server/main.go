// Package main is the entrypoint for the Angle Studio tracker server.
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

	"github.com/kiranshivaraju/anglestudio/internal/api"
	"github.com/kiranshivaraju/anglestudio/internal/api/handler"
	mw "github.com/kiranshivaraju/anglestudio/internal/api/middleware"
	"github.com/kiranshivaraju/anglestudio/internal/api/response"
	"github.com/kiranshivaraju/anglestudio/internal/cache"
	"github.com/kiranshivaraju/anglestudio/internal/config"
	"github.com/kiranshivaraju/anglestudio/internal/engine"
	"github.com/kiranshivaraju/anglestudio/internal/intent"
	"github.com/kiranshivaraju/anglestudio/internal/store"
	"github.com/kiranshivaraju/anglestudio/internal/tracker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "engine", cfg.Engine.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)
	intents := intent.NewCacheStore(redisCache, cfg.Redis.IntentTTL)
	eng := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.APIKey, cfg.Engine.Timeout)

	manager := tracker.NewManager(trackerConfig(cfg), eng, intents, pgStore, slog.Default().With("component", "tracker"))
	defer manager.Close()

	deps := api.Dependencies{
		Auth:        mw.NewAuth(pgStore),
		RateLimit:   mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		CORSOrigins: cfg.Server.CORSAllowedOrigins,

		HealthHandler: healthHandler(pgStore, redisCache),

		StartJob:    handler.NewStartJobHandler(manager),
		GetSnapshot: handler.NewSnapshotHandler(manager),
		CancelJob:   handler.NewCancelJobHandler(manager),
		RetryUnit:   handler.NewRetryUnitHandler(manager),
		ReportUnit:  handler.NewReportUnitHandler(manager),
		ListJobs:    handler.NewListJobsHandler(pgStore),
		ListResults: handler.NewListResultsHandler(pgStore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     api.NewRouter(deps),
		ReadTimeout: 15 * time.Second,
		// Long-poll snapshot requests hold the response for up to MaxLongPoll.
		WriteTimeout: handler.MaxLongPoll + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Jobs left behind by a previous process resume in the background; the
	// API is usable meanwhile and resumes lazily per entity as well.
	g.Go(func() error {
		if err := manager.ResumeAll(gctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("resume sweep failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// trackerConfig maps environment settings onto the tracker's tuning knobs.
func trackerConfig(cfg *config.Config) tracker.Config {
	tc := tracker.DefaultConfig()
	tc.PollInterval = cfg.Tracker.PollInterval
	tc.TimeoutFloor = cfg.Tracker.TimeoutFloor
	tc.PerUnitBudget = cfg.Tracker.PerUnitBudget
	tc.RetryCap = cfg.Tracker.RetryCap
	tc.LateSweepDelay = cfg.Tracker.LateSweepDelay
	tc.MaxUnits = cfg.Tracker.MaxUnits
	tc.MaxParamsBytes = cfg.Tracker.MaxParamsBytes
	tc.CallTimeout = cfg.Engine.Timeout
	return tc
}

// Pinger is satisfied by both the store and the cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// Package main is the entrypoint for the simvault API server.
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

	"github.com/carevista/simvault/internal/api"
	"github.com/carevista/simvault/internal/api/handler"
	mw "github.com/carevista/simvault/internal/api/middleware"
	"github.com/carevista/simvault/internal/api/response"
	"github.com/carevista/simvault/internal/authz"
	"github.com/carevista/simvault/internal/cache"
	"github.com/carevista/simvault/internal/config"
	"github.com/carevista/simvault/internal/registry"
	"github.com/carevista/simvault/internal/restore"
	"github.com/carevista/simvault/internal/sim"
	"github.com/carevista/simvault/internal/snapshot"
	"github.com/carevista/simvault/internal/store"
	"github.com/carevista/simvault/internal/tenant"
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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

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
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
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

	// 5. Assemble the engine
	pgStore := store.NewPostgresStore(pool)
	reg := registry.New()
	authzCache := authz.NewCache(redisCache.Client(), pgStore)
	capturer := snapshot.NewCapturer(pool, reg)
	engine := restore.NewEngine(pool, reg)
	tenants := tenant.NewManager(pgStore, pool, reg, authzCache, cfg.Engine.ExpiryGrace)
	service := sim.NewService(pgStore, capturer, engine, tenants, authzCache, cfg.Engine.DefaultTTL)

	// 6. Background expiry sweep
	go runSweep(ctx, tenants, cfg.Engine.SweepInterval)

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CaptureSnapshot: handler.NewCaptureSnapshotHandler(service),
		ListSnapshots:   handler.NewListSnapshotsHandler(service),

		StartSimulation:  handler.NewStartSimulationHandler(service),
		ResetSimulation:  handler.NewResetSimulationHandler(service),
		GetSimulation:    handler.NewGetSimulationHandler(service),
		UpdateSimulation: handler.NewUpdateSimulationHandler(service),

		AddMember:    handler.NewAddMemberHandler(service),
		RemoveMember: handler.NewRemoveMemberHandler(service),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runSweep drives the tenant expiry lifecycle until shutdown.
func runSweep(ctx context.Context, tenants *tenant.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := tenants.ExpireDue(ctx)
			if err != nil {
				slog.Error("expiry sweep failed", "error", err)
				continue
			}
			if len(deleted) > 0 {
				slog.Info("expiry sweep completed", "deleted", len(deleted))
			}
		}
	}
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c *cache.RedisCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
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

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
	"github.com/af-corp/aegis-orchestrator/internal/cache/sqlite"
	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/gateway"
	"github.com/af-corp/aegis-orchestrator/internal/health"
	"github.com/af-corp/aegis-orchestrator/internal/orchestrator"
	"github.com/af-corp/aegis-orchestrator/internal/profilestore"
	"github.com/af-corp/aegis-orchestrator/internal/quota"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/router/adapters"
	"github.com/af-corp/aegis-orchestrator/internal/scheduler"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
)

func newServeCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configDir)
		},
	}
}

func optionsFrom(cfg *config.Config) orchestrator.Options {
	return orchestrator.Options{
		MaxAttempts:     cfg.Orchestrator.MaxAttempts,
		DispatchTimeout: cfg.Orchestrator.DispatchTimeout,
		RequestTimeout:  cfg.Orchestrator.RequestTimeout,
		CharsPerToken:   cfg.Orchestrator.CharsPerToken,
	}
}

func serve(ctx context.Context, configDir string) error {
	env, err := resolveEnv(configDir)
	if err != nil {
		return err
	}

	// Load configuration
	loader := config.NewLoader(env.ConfigDir, newLogger(env.LogLevel, env.LogFormat))
	if err := loader.Load(); err != nil {
		return err
	}
	cfg := loader.Config()

	logger := newLogger(firstNonEmpty(env.LogLevel, cfg.Telemetry.LogLevel), firstNonEmpty(env.LogFormat, cfg.Telemetry.LogFormat))
	slog.SetDefault(logger)

	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	} else {
		defer stopWatch()
	}

	metrics := telemetry.NewMetrics(nil)
	registry := router.BuildFromConfig(loader.Providers())
	healthTracker := router.NewHealthTracker(registry, cfg.Health.FailureThreshold, cfg.Health.RecoveryProbeInterval)

	// Operator overrides from PostgreSQL
	var (
		statusStore health.StatusStore
		overrides   overrideSource
		adminStore  gateway.OverrideStore
	)
	if cfg.Database.Enabled() {
		pool, err := profilestore.Connect(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			logger.Warn("database not reachable, provider overrides disabled", "error", err)
		} else {
			defer pool.Close()
			store := profilestore.New(pool)
			statusStore, overrides, adminStore = store, store, store
		}
	}
	applyProviders(ctx, loader.Providers(), registry, healthTracker, overrides)

	tracker := newQuotaTracker(ctx, cfg, registry, logger)

	// Response cache with optional SQLite snapshot
	var respCache *cache.Cache
	var snapshots *sqlite.Store
	if cfg.Cache.Enabled {
		respCache = cache.New(cache.Config{MaxSize: cfg.Cache.MaxSize, TTLs: cfg.Cache.TTLs})
		metrics.RegisterCache(respCache)
		if cfg.Cache.SnapshotPath != "" {
			snapshots, err = sqlite.Open(cfg.Cache.SnapshotPath)
			if err != nil {
				logger.Warn("cache snapshot store unavailable", "path", cfg.Cache.SnapshotPath, "error", err)
				snapshots = nil
			} else {
				defer snapshots.Close()
				n, err := respCache.LoadFrom(ctx, snapshots)
				if err != nil {
					logger.Warn("failed to restore cache snapshot", "error", err)
				} else {
					logger.Info("cache snapshot restored", "entries", n)
				}
			}
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Registry: registry,
		Quota:    tracker,
		Cache:    respCache,
		Health:   healthTracker,
		Metrics:  metrics,
		Clients:  adapters.BuildFromConfig(loader.Providers()),
	}, optionsFrom(cfg))

	loader.OnReload(func() {
		applyProviders(context.Background(), loader.Providers(), registry, healthTracker, overrides)
		for _, client := range adapters.BuildFromConfig(loader.Providers()) {
			orch.SetClient(client)
		}
		orch.SetOptions(optionsFrom(loader.Config()))
		logger.Info("provider registry reloaded")
	})

	// Periodic maintenance
	sched := scheduler.New()
	checker := health.NewChecker(registry, healthTracker, orch.Client, statusStore, metrics, cfg.Health.ProbeTimeout)
	if err := sched.Every("provider-health", cfg.Health.CheckInterval, func(ctx context.Context) {
		for _, r := range checker.CheckOnce(ctx) {
			if r.Err != nil {
				logger.Debug("provider probe failed", "provider", r.Provider, "error", r.Err)
			}
		}
	}); err != nil {
		return err
	}
	if respCache != nil {
		if err := sched.Every("cache-sweep", cfg.Cache.SweepInterval, func(context.Context) {
			if n := respCache.Sweep(); n > 0 {
				logger.Debug("expired cache entries removed", "count", n)
			}
		}); err != nil {
			return err
		}
	}
	if snapshots != nil {
		if err := sched.Every("cache-snapshot", cfg.Cache.SweepInterval, func(ctx context.Context) {
			if _, err := respCache.SaveTo(ctx, snapshots); err != nil {
				logger.Warn("cache snapshot failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}
	sched.Start()

	handler := gateway.NewHandler(orch, respCache, healthTracker, adminStore, version)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      gateway.NewRouter(handler, cfg.Telemetry.MetricsPath, promhttp.Handler()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator starting", "addr", addr, "version", version,
			"providers", len(registry.ListProviders()))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	sched.Stop(shutdownCtx)
	if snapshots != nil {
		n, err := respCache.SaveTo(shutdownCtx, snapshots)
		if err != nil {
			logger.Warn("final cache snapshot failed", "error", err)
		} else {
			logger.Info("cache snapshot saved", "entries", n)
		}
	}
	logger.Info("orchestrator stopped")
	return nil
}

// newQuotaTracker builds the configured quota backend. An unreachable Redis
// falls back to the in-process tracker.
func newQuotaTracker(ctx context.Context, cfg *config.Config, registry *router.Registry, logger *slog.Logger) quota.Tracker {
	limits := orchestrator.RegistryLimits(registry)
	if cfg.Quota.Backend != "redis" {
		return quota.NewMemoryTracker(limits)
	}
	if len(cfg.Redis.Addresses) == 0 || cfg.Redis.Addresses[0] == "" {
		logger.Warn("quota backend is redis but no address is configured, using memory")
		return quota.NewMemoryTracker(limits)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addresses[0],
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory quota tracking", "error", err)
		rdb.Close()
		return quota.NewMemoryTracker(limits)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addresses[0])
	return quota.NewRedisTracker(rdb, cfg.Quota.KeyPrefix, limits)
}

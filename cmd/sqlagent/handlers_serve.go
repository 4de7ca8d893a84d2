package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/agent/providers"
	"github.com/haasonsaas/sqlagent/internal/auth"
	"github.com/haasonsaas/sqlagent/internal/config"
	"github.com/haasonsaas/sqlagent/internal/observability"
	"github.com/haasonsaas/sqlagent/internal/ratelimit"
	"github.com/haasonsaas/sqlagent/internal/server"
	"github.com/haasonsaas/sqlagent/internal/sqlguard"
	"github.com/haasonsaas/sqlagent/internal/storage"
	"github.com/haasonsaas/sqlagent/internal/tenant"
	"github.com/haasonsaas/sqlagent/internal/tools/sqlexec"
	"github.com/haasonsaas/sqlagent/internal/usage"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

const (
	redisKeyPrefix      = "sqlagent:"
	tracerFlushTimeout  = 5 * time.Second
	memoryJanitorPeriod = time.Minute
)

// runServe wires every component from configuration and serves until
// SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	}).Slog()
	slog.SetDefault(logger)

	logger.Info("starting sqlagent",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.Agent.Provider,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hash := observability.NewHasher(cfg.Logging.HashKey).Func()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "sqlagent",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracerFlushTimeout)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	db, err := storage.Open(ctx, cfg.Database.DatabaseConfig)
	if err != nil {
		return err
	}
	stores, err := storage.NewStoreSet(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer stores.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = ratelimit.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	memory := ratelimit.NewMemoryStore(memoryJanitorPeriod)
	defer memory.Close()

	var rateStore ratelimit.Store = memory
	if rdb != nil {
		rateStore = ratelimit.NewRedisStore(rdb, redisKeyPrefix)
	}
	rateLimiter := ratelimit.NewLimiter(rateStore, cfg.RateLimit,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(metrics),
	)

	usageLimiter, err := buildUsageLimiter(cfg, stores, rdb, memory, logger, metrics)
	if err != nil {
		return err
	}

	provider, err := providers.New(cfg.LLM.ProviderConfig(cfg.Agent.Provider))
	if err != nil {
		return fmt.Errorf("init provider %s: %w", cfg.Agent.Provider, err)
	}

	sqlTool := sqlexec.New(
		sqlguard.New(cfg.Guard),
		sqlexec.NewTenantDB(db),
		cfg.Database.Exec(),
		sqlexec.WithLogger(logger),
		sqlexec.WithMetrics(metrics),
		sqlexec.WithHasher(hash),
		sqlexec.WithAuditSink(stores.Audit),
	)
	orchestrator := agent.NewOrchestrator(provider, agent.NewToolRegistry(sqlTool), cfg.Agent.Config,
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithHasher(hash),
	)

	checks := []server.ReadinessCheck{{Name: "database", Check: stores.Ping}}
	if rdb != nil {
		checks = append(checks, server.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	srv := server.New(server.Config{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		RequiredRole:      cfg.Auth.RequiredRole,
	}, server.Dependencies{
		Auth:           auth.NewService(cfg.Auth),
		Tenants:        tenant.NewResolver(cfg.Tenant, stores.Memberships, logger),
		Runner:         orchestrator,
		RateLimiter:    rateLimiter,
		Usage:          usageLimiter,
		Tiers:          usage.NewTierResolver(cfg.Usage.Tiers, cfg.Usage.DefaultTier),
		Checks:         checks,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Metrics:        metrics,
		Hash:           hash,
		Logger:         logger,
	})

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("sqlagent stopped")
	return nil
}

// buildUsageLimiter picks the counter backend for usage.store. It returns
// nil when usage tracking is disabled.
func buildUsageLimiter(
	cfg *config.Config,
	stores storage.StoreSet,
	rdb *redis.Client,
	memory *ratelimit.MemoryStore,
	logger *slog.Logger,
	metrics *observability.Metrics,
) (*usage.Limiter, error) {
	if !cfg.Usage.Enabled {
		return nil, nil
	}

	var counter usage.Counter
	switch cfg.Usage.Store {
	case config.UsageStoreRedis:
		if rdb == nil {
			return nil, errors.New("usage.store is redis but redis is not enabled")
		}
		counter = ratelimit.NewRedisStore(rdb, redisKeyPrefix)
	case config.UsageStoreMemory:
		counter = memory
	default:
		counter = stores.Usage
	}

	return usage.NewLimiter(counter, cfg.Usage.Operation,
		usage.WithLogger(logger),
		usage.WithMetrics(metrics),
		usage.WithStoreTimeout(cfg.Usage.StoreTimeout),
	), nil
}

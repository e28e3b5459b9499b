package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/revskill10/openagent-cli-sub002/internal/checkpoint"
	"github.com/revskill10/openagent-cli-sub002/internal/continuation"
	"github.com/revskill10/openagent-cli-sub002/internal/engine"
	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/input"
	"github.com/revskill10/openagent-cli-sub002/internal/lease"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/plugins"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/internal/tools"
	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// hubBuffer keeps the CLI printer from dropping events on bursts.
const hubBuffer = 1024

// app is the wired process: one instance of every component.
type app struct {
	cfg       Config
	machineID string
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	store     *store.SQLStore
	redis     redis.UniversalClient
	hub       *streaming.MemoryHub
	leases    lease.Coordinator
	conts     *continuation.Manager
	plugins   *plugins.Manager
	exec      *checkpoint.Executor
}

type appOptions struct {
	// Input answers approvals and prompts; nil auto-approves.
	Input  input.Handler
	LogOut io.Writer
	// Plugins starts the configured MCP tool servers.
	Plugins bool
}

func newApp(ctx context.Context, cfg Config, opts appOptions) (*app, error) {
	if opts.LogOut == nil {
		opts.LogOut = os.Stderr
	}
	logger, err := logging.New(opts.LogOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		machineID: cfg.machineID(),
		logger:    logger,
		registry:  prometheus.NewRegistry(),
		hub:       streaming.NewMemoryHubSize(hubBuffer),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector("openagent", a.registry)

	if err := os.MkdirAll(openagentDir(), 0o700); err != nil {
		logger.Warn("create data directory", slog.String("error", err.Error()))
	}
	a.store, err = store.NewSQLStore(cfg.DBDriver, cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.leases = lease.NewRedisCoordinator(a.redis, a.metrics)
	} else {
		a.leases = lease.NewStoreCoordinator(a.store, a.metrics)
	}

	a.conts = continuation.NewManager(a.store, a.leases, continuation.Config{
		MachineID: a.machineID,
		LeaseTTL:  cfg.LeaseTTL,
		Logger:    logger,
		Metrics:   a.metrics,
	})

	reg, validator, err := newToolRegistry()
	if err != nil {
		a.close()
		return nil, err
	}
	if opts.Plugins {
		a.plugins = loadPlugins(ctx, cfg, reg, logger)
	}

	a.exec, err = checkpoint.NewExecutor(checkpoint.Options{
		Backend:       checkpoint.NewStoreBackend(a.store),
		Tools:         reg,
		Input:         opts.Input,
		Steps:         validator,
		Pool:          engine.NewWorkerPool(cfg.PoolSize, a.metrics),
		Hub:           a.hub,
		Continuations: a.conts,
		Logger:        logger,
		Metrics:       a.metrics,
		MachineID:     a.machineID,
		Leases:        a.leases,
		LeaseTTL:      cfg.LeaseTTL,
		Engine: engine.Options{
			RequireApproval: cfg.RequireApproval,
			ApprovalTools:   cfg.ApprovalTools,
			Backoff:         &schema.BackoffPolicy{Strategy: cfg.RetryBackoff, Delay: cfg.RetryDelay},
		},
		FailOnStepError: cfg.FailOnStepError,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// newToolRegistry builds the step validator and a registry holding the
// builtin tools.
func newToolRegistry() (*tools.Registry, *validation.JSONSchemaValidator, error) {
	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, nil, err
	}
	reg := tools.NewRegistry(validator)
	if err := tools.RegisterBuiltins(reg, expressions.NewJQ()); err != nil {
		return nil, nil, err
	}
	return reg, validator, nil
}

// loadPlugins starts every configured plugin. A plugin that fails to start is
// logged and skipped; its tools are then unknown to scripts.
func loadPlugins(ctx context.Context, cfg Config, reg *tools.Registry, logger *slog.Logger) *plugins.Manager {
	m := plugins.NewManager(reg, logger, version)
	for _, pc := range cfg.Plugins {
		if _, err := m.Load(ctx, pc); err != nil {
			logger.Warn("load plugin",
				slog.String("plugin", pc.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return m
}

func (a *app) close() {
	if a.plugins != nil {
		if err := a.plugins.Close(); err != nil {
			a.logger.Warn("close plugins", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}

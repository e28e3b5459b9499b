package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/revskill10/openagent-cli-sub002/internal/checkpoint"
	"github.com/revskill10/openagent-cli-sub002/internal/recovery"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/mcp"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

const (
	pluginCheckInterval = 30 * time.Second
	// recoverLeaseAttempts retries span a little over one lease TTL.
	recoverLeaseAttempts = 4
)

func newServeCommand(load configLoader) *cobra.Command {
	var noRecovery bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio with recovery and metrics",
		Long:  "Serve exposes the execution tools over MCP stdio, heartbeats this machine, recovers work orphaned by dead machines and publishes Prometheus metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{Plugins: true})
			if err != nil {
				return err
			}
			defer a.close()

			metricsSrv := a.serveMetrics()
			go a.plugins.Watch(ctx, pluginCheckInterval)

			if !noRecovery {
				monitor, err := recovery.New(recovery.Config{
					MachineID:         a.machineID,
					HeartbeatInterval: cfg.HeartbeatInterval,
					ScanInterval:      cfg.ScanInterval,
					DeadThreshold:     cfg.DeadThreshold,
					LockTTL:           cfg.LockTTL,
					CleanupSchedule:   cfg.CleanupSchedule,
					Retention:         cfg.Retention,
				}, recovery.Deps{
					Store:         a.store,
					Locks:         a.leases,
					Continuations: a.conts,
					Cleaners:      []recovery.Cleaner{a.conts, a.exec},
					OnRecovered:   a.resumeRecovered,
					Logger:        a.logger,
					Metrics:       a.metrics,
				})
				if err != nil {
					return err
				}
				if err := monitor.Start(ctx); err != nil {
					return err
				}
				defer func() {
					if err := monitor.Stop(context.WithoutCancel(ctx)); err != nil {
						a.logger.Warn("stop recovery monitor", slog.String("error", err.Error()))
					}
				}()
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Executions:    a.exec,
				Continuations: a.conts,
				Hub:           a.hub,
				Logger:        a.logger,
				Version:       version,
			})
			a.logger.Info("openagent serving",
				slog.String("machine_id", a.machineID),
				slog.String("db", cfg.DBPath),
				slog.String("metrics_addr", cfg.MetricsAddr),
			)
			err = srv.Serve(ctx)

			a.pauseRunning(context.WithoutCancel(ctx))
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noRecovery, "no-recovery", false, "do not heartbeat or recover orphaned work")
	return cmd
}

// serveMetrics starts the /metrics endpoint when an address is configured.
func (a *app) serveMetrics() *http.Server {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// resumeRecovered continues an execution migrated to this machine. The dead
// owner's lease may outlive its heartbeat, so a conflict is retried until the
// lease has had time to expire.
func (a *app) resumeRecovered(ctx context.Context, c *store.Continuation) {
	id := c.PromiseID
	if c.Data != nil {
		if c.Data.Kind != checkpoint.ContinuationKind {
			return
		}
		if c.Data.TaskID != "" {
			id = c.Data.TaskID
		}
	}
	wait := a.cfg.LeaseTTL / 3
	for attempt := 0; ; attempt++ {
		_, err := a.exec.Resume(ctx, id)
		if err == nil {
			return
		}
		if !schema.IsCode(err, schema.ErrCodeLeaseConflict) || attempt >= recoverLeaseAttempts {
			a.logger.Warn("resume recovered execution",
				slog.String("execution_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// pauseRunning checkpoints every execution still running here so another
// machine, or a later resume, can pick it up.
func (a *app) pauseRunning(ctx context.Context) {
	states, err := a.exec.List(ctx, store.ExecutionFilter{Status: "running", MachineID: a.machineID})
	if err != nil {
		a.logger.Warn("list running executions", slog.String("error", err.Error()))
		return
	}
	for _, st := range states {
		if _, err := a.exec.Pause(ctx, st.ID); err != nil {
			a.logger.Warn("pause on shutdown",
				slog.String("execution_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

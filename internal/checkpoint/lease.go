package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// claim takes or extends this machine's lease on the execution id. Without a
// lease coordinator every claim succeeds.
func (e *Executor) claim(ctx context.Context, id string) error {
	if e.opts.Leases == nil {
		return nil
	}
	_, err := e.opts.Leases.AcquireLease(ctx, id, e.opts.MachineID, e.opts.LeaseTTL)
	return err
}

func (e *Executor) unclaim(ctx context.Context, id string) {
	if e.opts.Leases == nil {
		return
	}
	if err := e.opts.Leases.ReleaseLease(context.WithoutCancel(ctx), id, e.opts.MachineID); err != nil {
		e.logger(ctx, id).Warn("release execution lease failed", slog.String("error", err.Error()))
	}
}

// hold renews the lease of a live run until ctx ends. A run whose lease was
// taken over is marked lost and cancelled; it stops writing checkpoints.
func (e *Executor) hold(ctx context.Context, id string, r *run) {
	if e.opts.Leases == nil {
		return
	}
	ticker := time.NewTicker(e.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := e.claim(ctx, id)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case schema.IsCode(err, schema.ErrCodeLeaseConflict):
			e.logger(ctx, id).Error("execution lease lost", slog.String("error", err.Error()))
			r.lost.Store(true)
			r.cancel()
			return
		default:
			e.logger(ctx, id).Warn("renew execution lease failed", slog.String("error", err.Error()))
		}
	}
}

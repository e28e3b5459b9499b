package continuation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Resume picks up a suspended continuation on this machine.
//
// The protocol: take the lease on id (LEASE_CONFLICT if another machine holds
// a live one), move the continuation back to running, create a child
// continuation recorded as its dependency, seed the child from the recorded
// result or the kind's resume callback, settle the child, and mirror the
// outcome onto the parent while it is still running. The lease is released
// afterwards whatever happened. The returned continuation is the child.
func (m *Manager) Resume(ctx context.Context, id string) (*store.Continuation, error) {
	parent, err := m.store.GetContinuation(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.Status != schema.ContinuationStatusSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"continuation %s is %s, only suspended continuations can be resumed", id, parent.Status)
	}
	seed, err := m.seed(parent)
	if err != nil {
		return nil, err
	}
	if m.leases == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume requires a lease coordinator")
	}

	if _, err := m.leases.AcquireLease(ctx, id, m.machine, m.ttl); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.leases.ReleaseLease(context.WithoutCancel(ctx), id, m.machine); err != nil {
			m.log(ctx).Warn("release lease failed",
				slog.String("promise_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()

	// Another machine may have resumed it between the read and the lease.
	parent, err = m.transition(ctx, id, schema.ContinuationStatusRunning, schema.EventContinuationResumed,
		func(c *store.Continuation) map[string]any {
			prev := c.MachineID
			c.MachineID = m.machine
			return map[string]any{"machine": m.machine, "previous_machine": prev}
		})
	if err != nil {
		return nil, err
	}

	opts := CreateOptions{Parent: id}
	if parent.Data != nil {
		opts.TaskID = parent.Data.TaskID
		opts.Kind = parent.Data.Kind
		opts.LocalState = parent.Data.LocalState
	}
	child, err := m.Create(ctx, opts)
	if err != nil {
		return nil, err
	}

	m.log(ctx).Info("continuation resumed",
		slog.String("promise_id", id),
		slog.String("child_id", child.PromiseID),
	)

	value, runErr := seed(ctx, parent)
	if runErr != nil {
		child, err = m.Reject(ctx, child.PromiseID, runErr.Error())
		if err != nil {
			return nil, err
		}
		if err := m.mirror(ctx, id, nil, runErr); err != nil {
			return child, err
		}
		return child, runErr
	}

	child, err = m.Fulfill(ctx, child.PromiseID, value)
	if err != nil {
		return nil, err
	}
	return child, m.mirror(ctx, id, value, nil)
}

// seed picks what a resumed continuation produces: its recorded result if it
// has one, else the resume callback registered for its kind.
func (m *Manager) seed(c *store.Continuation) (ResumeFunc, error) {
	if len(c.Result) > 0 {
		recorded := c.Result
		return func(context.Context, *store.Continuation) (any, error) {
			return json.RawMessage(recorded), nil
		}, nil
	}
	kind := ""
	if c.Data != nil {
		kind = c.Data.Kind
	}
	fn, ok := m.handler(kind)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no resume handler registered for kind %q", kind)
	}
	return fn, nil
}

// mirror settles the parent with the child's outcome unless the callback
// already moved it (settled it, or suspended it again).
func (m *Manager) mirror(ctx context.Context, id string, value any, runErr error) error {
	current, err := m.store.GetContinuation(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != schema.ContinuationStatusRunning {
		return nil
	}
	if runErr != nil {
		_, err = m.Reject(ctx, id, runErr.Error())
		return err
	}
	_, err = m.Fulfill(ctx, id, value)
	return err
}

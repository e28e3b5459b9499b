// Package continuation manages persisted, suspendable units of computation.
// Continuations form an arena keyed by promise id: dependency edges are id
// lists on both ends, never pointers.
package continuation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revskill10/openagent-cli-sub002/internal/lease"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// DefaultLeaseTTL bounds how long a resume may hold a continuation.
const DefaultLeaseTTL = 30 * time.Second

// Store is the persistence surface the manager needs. Satisfied by store.Store.
type Store interface {
	CreateContinuation(ctx context.Context, c *store.Continuation) error
	GetContinuation(ctx context.Context, promiseID string) (*store.Continuation, error)
	UpdateContinuation(ctx context.Context, c *store.Continuation) error
	ListContinuations(ctx context.Context, filter store.ContinuationFilter) ([]*store.Continuation, error)
	DeleteContinuation(ctx context.Context, promiseID string) error
	AppendContinuationEvent(ctx context.Context, event *store.ContinuationEvent) error
	GetContinuationEvents(ctx context.Context, promiseID string, since int64) ([]*store.ContinuationEvent, error)
}

// ResumeFunc continues the work of a suspended continuation and returns its
// value. It may run more than once for the same continuation if two machines
// race, so it must be idempotent.
type ResumeFunc func(ctx context.Context, c *store.Continuation) (any, error)

// Config configures a Manager.
type Config struct {
	MachineID string
	LeaseTTL  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// CreateOptions describes a new continuation.
type CreateOptions struct {
	// PromiseID defaults to a random UUID.
	PromiseID    string
	TaskID       string
	Kind         string
	Dependencies []string
	LocalState   map[string]any
	// Parent, when set, records the new continuation as a dependency of Parent.
	Parent string
}

// Manager owns the continuation lifecycle for one machine.
type Manager struct {
	store   Store
	leases  lease.Coordinator
	machine string
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	// mu serializes read-modify-write cycles in this process. Other machines
	// are kept out by leases.
	mu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]ResumeFunc
}

// NewManager creates a Manager. leases may be nil if Resume is never called.
func NewManager(st Store, leases lease.Coordinator, cfg Config) *Manager {
	if cfg.MachineID == "" {
		cfg.MachineID = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Manager{
		store:    st,
		leases:   leases,
		machine:  cfg.MachineID,
		ttl:      cfg.LeaseTTL,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		handlers: make(map[string]ResumeFunc),
	}
}

// MachineID returns the id this manager stamps on continuations it owns.
func (m *Manager) MachineID() string { return m.machine }

// OnResume registers fn as the resume callback for continuations of kind.
func (m *Manager) OnResume(kind string, fn ResumeFunc) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers[kind] = fn
}

func (m *Manager) handler(kind string) (ResumeFunc, bool) {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	fn, ok := m.handlers[kind]
	return fn, ok
}

// Create persists a new continuation owned by this machine. It starts running
// unless one of its dependencies is not yet fulfilled, in which case it is
// pending until Fulfill settles the last one.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*store.Continuation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := opts.PromiseID
	if id == "" {
		id = uuid.NewString()
	}
	c := &store.Continuation{
		PromiseID:    id,
		MachineID:    m.machine,
		Status:       schema.ContinuationStatusRunning,
		Dependencies: slices.Clone(opts.Dependencies),
		Data: &store.ContinuationData{
			TaskID:     opts.TaskID,
			Kind:       opts.Kind,
			LocalState: opts.LocalState,
		},
	}

	deps := make([]*store.Continuation, 0, len(opts.Dependencies))
	for _, depID := range opts.Dependencies {
		dep, err := m.store.GetContinuation(ctx, depID)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return nil, schema.NewErrorf(schema.ErrCodeDependency, "unknown dependency %q", depID)
			}
			return nil, err
		}
		if dep.Status != schema.ContinuationStatusFulfilled {
			c.Status = schema.ContinuationStatusPending
		}
		deps = append(deps, dep)
	}

	var parent *store.Continuation
	if opts.Parent != "" {
		p, err := m.store.GetContinuation(ctx, opts.Parent)
		if err != nil {
			return nil, err
		}
		parent = p
	}

	if err := m.store.CreateContinuation(ctx, c); err != nil {
		return nil, err
	}
	for _, dep := range deps {
		dep.Dependents = appendUnique(dep.Dependents, id)
		if err := m.store.UpdateContinuation(ctx, dep); err != nil {
			return nil, fmt.Errorf("link dependency %s: %w", dep.PromiseID, err)
		}
	}
	if parent != nil {
		c.Dependents = []string{parent.PromiseID}
		if err := m.store.UpdateContinuation(ctx, c); err != nil {
			return nil, fmt.Errorf("link parent %s: %w", parent.PromiseID, err)
		}
		parent.Dependencies = appendUnique(parent.Dependencies, id)
		if err := m.store.UpdateContinuation(ctx, parent); err != nil {
			return nil, fmt.Errorf("link parent %s: %w", parent.PromiseID, err)
		}
	}

	m.appendEvent(ctx, id, schema.EventContinuationCreated, map[string]any{
		"status":       c.Status,
		"kind":         opts.Kind,
		"dependencies": c.Dependencies,
	})
	m.log(ctx).Debug("continuation created",
		slog.String("promise_id", id),
		slog.String("status", string(c.Status)),
	)
	return c, nil
}

// Get returns a continuation by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Continuation, error) {
	return m.store.GetContinuation(ctx, id)
}

// List returns continuations matching filter.
func (m *Manager) List(ctx context.Context, filter store.ContinuationFilter) ([]*store.Continuation, error) {
	return m.store.ListContinuations(ctx, filter)
}

// Events returns a continuation's event log after sequence since.
func (m *Manager) Events(ctx context.Context, id string, since int64) ([]*store.ContinuationEvent, error) {
	return m.store.GetContinuationEvents(ctx, id, since)
}

// Fulfill settles a continuation with value and starts any pending dependents
// whose dependencies are now all fulfilled.
func (m *Manager) Fulfill(ctx context.Context, id string, value any) (*store.Continuation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "continuation result is not JSON").WithCause(err)
	}

	c, err := m.transition(ctx, id, schema.ContinuationStatusFulfilled, schema.EventContinuationFulfilled,
		func(c *store.Continuation) map[string]any {
			c.Result = raw
			c.Error = ""
			return nil
		})
	if err != nil {
		return nil, err
	}

	for _, depID := range c.Dependents {
		if err := m.startIfReady(ctx, depID); err != nil {
			m.log(ctx).Warn("start dependent failed",
				slog.String("promise_id", depID),
				slog.String("error", err.Error()),
			)
		}
	}
	return c, nil
}

// Reject settles a continuation with reason. Pending dependents can never
// start and are rejected in turn.
func (m *Manager) Reject(ctx context.Context, id, reason string) (*store.Continuation, error) {
	c, err := m.transition(ctx, id, schema.ContinuationStatusRejected, schema.EventContinuationRejected,
		func(c *store.Continuation) map[string]any {
			c.Error = reason
			return map[string]any{"error": reason}
		})
	if err != nil {
		return nil, err
	}

	for _, depID := range c.Dependents {
		dep, err := m.store.GetContinuation(ctx, depID)
		if err != nil || dep.Status != schema.ContinuationStatusPending {
			continue
		}
		if _, err := m.Reject(ctx, depID, fmt.Sprintf("dependency %s rejected: %s", id, reason)); err != nil {
			m.log(ctx).Warn("reject dependent failed",
				slog.String("promise_id", depID),
				slog.String("error", err.Error()),
			)
		}
	}
	return c, nil
}

// Suspend parks a running continuation with the data needed to pick it up
// again. Empty TaskID and Kind keep the values recorded at creation.
func (m *Manager) Suspend(ctx context.Context, id string, data store.ContinuationData) (*store.Continuation, error) {
	return m.transition(ctx, id, schema.ContinuationStatusSuspended, schema.EventContinuationSuspended,
		func(c *store.Continuation) map[string]any {
			if c.Data != nil {
				if data.TaskID == "" {
					data.TaskID = c.Data.TaskID
				}
				if data.Kind == "" {
					data.Kind = c.Data.Kind
				}
			}
			c.Data = &data
			return map[string]any{
				"position":            data.Position,
				"awaited_promise_ids": data.AwaitedPromiseIDs,
			}
		})
}

// Reactivate moves a suspended continuation back to running on this machine
// without the lease round-trip of Resume. It is a no-op when the continuation
// is already running. Callers use it when they are about to do the work
// themselves (for instance a local execution resume).
func (m *Manager) Reactivate(ctx context.Context, id string) (*store.Continuation, error) {
	c, err := m.store.GetContinuation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == schema.ContinuationStatusRunning {
		return c, nil
	}
	return m.transition(ctx, id, schema.ContinuationStatusRunning, schema.EventContinuationResumed,
		func(c *store.Continuation) map[string]any {
			prev := c.MachineID
			c.MachineID = m.machine
			return map[string]any{"machine": m.machine, "previous_machine": prev}
		})
}

// Reassign hands a non-terminal continuation to machine and logs a
// "migrated" event.
func (m *Manager) Reassign(ctx context.Context, id, machine, reason string) (*store.Continuation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.store.GetContinuation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot reassign %s continuation %s", c.Status, id)
	}
	prev := c.MachineID
	c.MachineID = machine
	if err := m.store.UpdateContinuation(ctx, c); err != nil {
		return nil, err
	}
	m.appendEvent(ctx, id, schema.EventContinuationMigrated, map[string]any{
		"from":   prev,
		"to":     machine,
		"reason": reason,
	})
	m.log(ctx).Info("continuation migrated",
		slog.String("promise_id", id),
		slog.String("from", prev),
		slog.String("to", machine),
	)
	return c, nil
}

// Cleanup deletes settled continuations not updated within olderThan and
// returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := m.store.ListContinuations(ctx, store.ContinuationFilter{
		Statuses:      []schema.ContinuationStatus{schema.ContinuationStatusFulfilled, schema.ContinuationStatusRejected},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range stale {
		if err := m.store.DeleteContinuation(ctx, c.PromiseID); err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.log(ctx).Info("continuations cleaned up", slog.Int("removed", removed))
	}
	return removed, nil
}

// transition applies a status change under mu. mutate may edit the record and
// returns the event payload.
func (m *Manager) transition(
	ctx context.Context,
	id string,
	to schema.ContinuationStatus,
	event string,
	mutate func(c *store.Continuation) map[string]any,
) (*store.Continuation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.store.GetContinuation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !schema.CanTransition(schema.ValidContinuationTransitions, c.Status, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"continuation %s cannot go from %s to %s", id, c.Status, to)
	}
	var payload map[string]any
	if mutate != nil {
		payload = mutate(c)
	}
	from := c.Status
	c.Status = to
	if err := m.store.UpdateContinuation(ctx, c); err != nil {
		return nil, err
	}
	m.appendEvent(ctx, id, event, payload)
	m.log(ctx).Debug("continuation transition",
		slog.String("promise_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return c, nil
}

func (m *Manager) startIfReady(ctx context.Context, id string) error {
	c, err := m.store.GetContinuation(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != schema.ContinuationStatusPending {
		return nil
	}
	for _, depID := range c.Dependencies {
		dep, err := m.store.GetContinuation(ctx, depID)
		if err != nil {
			return err
		}
		if dep.Status != schema.ContinuationStatusFulfilled {
			return nil
		}
	}
	_, err = m.transition(ctx, id, schema.ContinuationStatusRunning, schema.EventContinuationStarted, nil)
	return err
}

// appendEvent writes to the continuation's log. A failed append is logged;
// the status change it describes has already been persisted.
func (m *Manager) appendEvent(ctx context.Context, id, eventType string, payload map[string]any) {
	ev := &store.ContinuationEvent{
		PromiseID: id,
		Type:      eventType,
		MachineID: m.machine,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = raw
		}
	}
	if err := m.store.AppendContinuationEvent(ctx, ev); err != nil {
		m.log(ctx).Error("append continuation event failed",
			slog.String("promise_id", id),
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(logging.WithMachineID(ctx, m.machine), m.logger)
}

func appendUnique(list []string, id string) []string {
	if slices.Contains(list, id) {
		return list
	}
	return append(list, id)
}

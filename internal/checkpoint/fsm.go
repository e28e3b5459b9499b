package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// TransitionHook is called before or after an execution status transition.
// An error from a before hook aborts the transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// FSM validates execution status transitions and announces them on the hub.
// The caller persists the new status.
type FSM struct {
	mu     sync.Mutex
	hub    streaming.EventHub
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewFSM creates an FSM publishing to hub. hub may be nil.
func NewFSM(hub streaming.EventHub) *FSM {
	return &FSM{
		hub:    hub,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before from -> to.
func (f *FSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to.
func (f *FSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and publishes the matching
// execution event. from == "" denotes a new execution and only allows running.
func (f *FSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if !validTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", displayStatus(from), to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}

	if f.hub != nil {
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: executionID,
			EventType:   eventType(from, to),
			Category:    "execution",
			Payload:     map[string]any{"from": string(from), "to": string(to)},
			Time:        time.Now().UTC(),
		})
	}

	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

func validTransition(from, to schema.ExecutionStatus) bool {
	if from == "" {
		return to == schema.ExecutionStatusRunning
	}
	return schema.CanTransition(schema.ValidExecutionTransitions, from, to)
}

func eventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	default:
		return schema.EventExecutionFailed
	}
}

func displayStatus(s schema.ExecutionStatus) string {
	if s == "" {
		return "new"
	}
	return string(s)
}

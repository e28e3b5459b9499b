// Package checkpoint makes script executions durable: every state-changing
// event is persisted so an execution can be paused, survive a restart, and be
// resumed on any machine that can reach the same store.
package checkpoint

import (
	"context"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// State is a checkpointed execution: its metadata record plus the variable
// snapshot, which is stored separately.
type State struct {
	store.Execution
	Variables map[string]any `json:"variables"`
}

// Backend persists checkpoints keyed by execution id.
type Backend interface {
	Save(ctx context.Context, state *State) error
	// Load returns NOT_FOUND when no checkpoint exists for id.
	Load(ctx context.Context, id string) (*State, error)
	// List returns metadata only; Variables is nil on every element.
	List(ctx context.Context, filter store.ExecutionFilter) ([]*State, error)
	Delete(ctx context.Context, id string) error
}

// ExecutionStore is the subset of store.Store a StoreBackend needs.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *store.Execution) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	DeleteExecution(ctx context.Context, id string) error
	SaveVariables(ctx context.Context, executionID string, vars map[string]any) error
	GetVariables(ctx context.Context, executionID string) (map[string]any, error)
}

// StoreBackend writes each checkpoint as two records: execution metadata and
// the variable snapshot.
type StoreBackend struct {
	store ExecutionStore
}

// NewStoreBackend returns a Backend over s.
func NewStoreBackend(s ExecutionStore) *StoreBackend {
	return &StoreBackend{store: s}
}

// Save writes the variable snapshot first, so a metadata record never points
// past the variables it was taken with.
func (b *StoreBackend) Save(ctx context.Context, state *State) error {
	if state.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint has no execution id")
	}
	if err := b.store.SaveVariables(ctx, state.ID, state.Variables); err != nil {
		return err
	}
	state.UpdatedAt = time.Now().UTC()
	return b.store.SaveExecution(ctx, &state.Execution)
}

// Load implements Backend. A missing variable record reads as empty.
func (b *StoreBackend) Load(ctx context.Context, id string) (*State, error) {
	exec, err := b.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	vars, err := b.store.GetVariables(ctx, id)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		vars = map[string]any{}
	}
	return &State{Execution: *exec, Variables: vars}, nil
}

// List implements Backend.
func (b *StoreBackend) List(ctx context.Context, filter store.ExecutionFilter) ([]*State, error) {
	execs, err := b.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*State, len(execs))
	for i, e := range execs {
		out[i] = &State{Execution: *e}
	}
	return out, nil
}

// Delete implements Backend.
func (b *StoreBackend) Delete(ctx context.Context, id string) error {
	return b.store.DeleteExecution(ctx, id)
}

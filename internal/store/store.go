package store

import (
	"context"
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions (state metadata)
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Variable snapshots
	SaveVariables(ctx context.Context, executionID string, vars map[string]any) error
	GetVariables(ctx context.Context, executionID string) (map[string]any, error)

	// Continuations
	CreateContinuation(ctx context.Context, c *Continuation) error
	GetContinuation(ctx context.Context, promiseID string) (*Continuation, error)
	UpdateContinuation(ctx context.Context, c *Continuation) error
	ListContinuations(ctx context.Context, filter ContinuationFilter) ([]*Continuation, error)
	DeleteContinuation(ctx context.Context, promiseID string) error

	// Continuation event log (append-only)
	AppendContinuationEvent(ctx context.Context, event *ContinuationEvent) error
	GetContinuationEvents(ctx context.Context, promiseID string, since int64) ([]*ContinuationEvent, error)

	// Leases and global locks
	AcquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, resourceID, holder string) error
	GetLease(ctx context.Context, resourceID string) (*Lease, error)
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) error

	// Machines
	UpsertMachine(ctx context.Context, m *Machine) error
	SetMachineStatus(ctx context.Context, machineID string, status schema.MachineState, heartbeatAt time.Time) (bool, error)
	GetMachine(ctx context.Context, machineID string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

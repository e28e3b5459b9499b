package store

import (
	"encoding/json"
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Execution is the state-metadata record of a script execution. Its variable
// snapshot is stored separately (see Store.SaveVariables).
type Execution struct {
	ID             string                 `json:"id"`
	Script         string                 `json:"script"`
	Status         schema.ExecutionStatus `json:"status"`
	CompletedSteps []string               `json:"completed_steps"`
	Errors         []ExecutionError       `json:"errors,omitempty"`
	MachineID      string                 `json:"machine_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ExecutionError is one recorded step or parse failure.
type ExecutionError struct {
	StepID  string    `json:"step_id,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status        schema.ExecutionStatus
	MachineID     string
	UpdatedBefore *time.Time
	Limit         int
}

// Continuation is a persisted, suspendable unit of computation. Dependencies
// and Dependents reference other continuations by id only.
type Continuation struct {
	PromiseID    string                    `json:"promise_id"`
	MachineID    string                    `json:"machine_id"`
	Status       schema.ContinuationStatus `json:"status"`
	Result       json.RawMessage           `json:"result,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Dependencies []string                  `json:"dependencies,omitempty"`
	Dependents   []string                  `json:"dependents,omitempty"`
	Data         *ContinuationData         `json:"continuation_data,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// ContinuationData is what a suspended continuation needs to be picked up again.
type ContinuationData struct {
	TaskID            string         `json:"task_id"`
	Kind              string         `json:"kind,omitempty"`
	LocalState        map[string]any `json:"local_state,omitempty"`
	Position          int            `json:"position"`
	AwaitedPromiseIDs []string       `json:"awaited_promise_ids,omitempty"`
}

// ContinuationFilter narrows ListContinuations.
type ContinuationFilter struct {
	Statuses      []schema.ContinuationStatus
	MachineID     string
	UpdatedBefore *time.Time
	Limit         int
}

// ContinuationEvent is an immutable entry in a continuation's event log.
type ContinuationEvent struct {
	ID        int64           `json:"id"`
	PromiseID string          `json:"promise_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MachineID string          `json:"machine_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Lease is a time-bounded single-owner claim on a resource id.
type Lease struct {
	ResourceID      string    `json:"resource_id"`
	HolderMachineID string    `json:"holder_machine_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	AcquiredAt      time.Time `json:"acquired_at"`
}

// Machine is the liveness record of one worker process.
type Machine struct {
	MachineID           string              `json:"machine_id"`
	LastHeartbeat       time.Time           `json:"last_heartbeat"`
	Status              schema.MachineState `json:"status"`
	ActiveContinuations int64               `json:"active_continuations"`
	Recovered           int64               `json:"recovered"`
	StartedAt           time.Time           `json:"started_at"`
}

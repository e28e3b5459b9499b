package schema

// Interpreter event kinds.
const (
	EventBlockStarted       = "block_started"
	EventBlockCompleted     = "block_completed"
	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterStarted    = "loop_iter_started"

	EventStepStarted   = "step_started"
	EventStepPartial   = "step_partial"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepSkipped   = "step_skipped"
	EventStepRejected  = "step_rejected"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventPromptRequested   = "prompt_requested"
	EventPromptAnswered    = "prompt_answered"
	EventPromptFailed      = "prompt_failed"

	EventVariableSet = "variable_set"
	EventParseError  = "parse_error"
)

// Execution lifecycle events published on the hub.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventCheckpointFailed   = "checkpoint_failed"
)

// Continuation event log entries.
const (
	EventContinuationCreated    = "created"
	EventContinuationStarted    = "started"
	EventContinuationFulfilled  = "fulfilled"
	EventContinuationRejected   = "rejected"
	EventContinuationSuspended  = "suspended"
	EventContinuationResumed    = "resumed"
	EventContinuationMigrated   = "migrated"
	EventContinuationCheckpoint = "checkpoint"
)

// ExecutionStatus represents the lifecycle state of a script execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// ContinuationStatus represents the lifecycle state of a continuation.
type ContinuationStatus string

const (
	ContinuationStatusPending   ContinuationStatus = "pending"
	ContinuationStatusRunning   ContinuationStatus = "running"
	ContinuationStatusFulfilled ContinuationStatus = "fulfilled"
	ContinuationStatusRejected  ContinuationStatus = "rejected"
	ContinuationStatusSuspended ContinuationStatus = "suspended"
)

// IsTerminal reports whether the continuation has settled.
func (s ContinuationStatus) IsTerminal() bool {
	return s == ContinuationStatusFulfilled || s == ContinuationStatusRejected
}

// MachineState is the liveness classification of a worker machine.
type MachineState string

const (
	MachineActive   MachineState = "active"
	MachineInactive MachineState = "inactive"
	MachineDead     MachineState = "dead"
)

// ValidExecutionTransitions lists the allowed execution status changes.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusRunning: {ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusFailed},
	ExecutionStatusPaused:  {ExecutionStatusRunning, ExecutionStatusFailed},
}

// ValidContinuationTransitions lists the allowed continuation status changes.
var ValidContinuationTransitions = map[ContinuationStatus][]ContinuationStatus{
	ContinuationStatusPending: {ContinuationStatusRunning, ContinuationStatusRejected},
	ContinuationStatusRunning: {
		ContinuationStatusFulfilled, ContinuationStatusRejected, ContinuationStatusSuspended,
	},
	ContinuationStatusSuspended: {
		ContinuationStatusRunning, ContinuationStatusFulfilled, ContinuationStatusRejected,
	},
}

// CanTransition reports whether from -> to is listed in the table.
func CanTransition[S ~string](table map[S][]S, from, to S) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

package checkpoint

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/revskill10/openagent-cli-sub002/internal/continuation"
	"github.com/revskill10/openagent-cli-sub002/internal/engine"
	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/input"
	"github.com/revskill10/openagent-cli-sub002/internal/lease"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/internal/tools"
	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// ContinuationKind is the continuation kind under which executions are tracked.
const ContinuationKind = "execution"

// DefaultSaveAttempts is how often a checkpoint write is tried before the
// failure is recorded.
const DefaultSaveAttempts = 3

// Continuations is the part of continuation.Manager the executor drives.
type Continuations interface {
	Create(ctx context.Context, opts continuation.CreateOptions) (*store.Continuation, error)
	Fulfill(ctx context.Context, id string, value any) (*store.Continuation, error)
	Reject(ctx context.Context, id, reason string) (*store.Continuation, error)
	Suspend(ctx context.Context, id string, data store.ContinuationData) (*store.Continuation, error)
	Reactivate(ctx context.Context, id string) (*store.Continuation, error)
	OnResume(kind string, fn continuation.ResumeFunc)
}

// Options configures an Executor. Backend and Tools are required.
type Options struct {
	Backend       Backend
	Tools         tools.Executor
	Input         input.Handler
	Steps         *validation.JSONSchemaValidator
	Pool          *engine.WorkerPool
	Hub           streaming.EventHub
	Continuations Continuations
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	MachineID     string

	// Leases, when set, gives every live run a renewed lease on its
	// execution id. Resuming or pausing a run another machine holds then
	// fails with LEASE_CONFLICT.
	Leases   lease.Coordinator
	LeaseTTL time.Duration

	// Engine is the template for every execution's interpreter options.
	// ExecutionID and CompletedSteps are filled in per execution.
	Engine engine.Options

	// FailOnStepError makes any terminal step error fail the execution.
	FailOnStepError bool

	SaveAttempts int
	SaveBackoff  *schema.BackoffPolicy

	// OnEvent, if set, sees every interpreter event in order. It runs on the
	// execution's event loop and must not block.
	OnEvent func(engine.Event)
}

// Executor runs scripts durably. Each execution is checkpointed after every
// terminal step event, assignment, prompt answer and status change.
type Executor struct {
	opts Options
	fsm  *FSM

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   atomic.Bool
}

// NewExecutor creates an Executor and, when continuations are configured,
// registers it as the resume handler for executions.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Backend == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint backend is required")
	}
	if opts.Tools == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Pool == nil {
		opts.Pool = engine.NewWorkerPool(engine.DefaultPoolSize, opts.Metrics)
	}
	if opts.MachineID == "" {
		opts.MachineID = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = continuation.DefaultLeaseTTL
	}
	if opts.SaveAttempts <= 0 {
		opts.SaveAttempts = DefaultSaveAttempts
	}
	if opts.SaveBackoff == nil {
		opts.SaveBackoff = &schema.BackoffPolicy{Strategy: "exponential", Delay: "50ms", MaxDelay: "1s"}
	}

	e := &Executor{
		opts: opts,
		fsm:  NewFSM(opts.Hub),
		runs: make(map[string]*run),
	}
	if opts.Continuations != nil {
		opts.Continuations.OnResume(ContinuationKind, e.ResumeHandler())
	}
	return e, nil
}

// FSM exposes the status machine so callers can register hooks.
func (e *Executor) FSM() *FSM { return e.fsm }

// Start begins a new execution in the background and returns its initial
// checkpoint. The execution is not bound to ctx; use Pause to stop it.
func (e *Executor) Start(ctx context.Context, script string, vars map[string]any) (*State, error) {
	return e.start(ctx, "", script, vars)
}

// Run executes script to the end under id (generated when empty). If ctx is
// cancelled first, the execution is paused and its paused state returned.
func (e *Executor) Run(ctx context.Context, id, script string, vars map[string]any) (*State, error) {
	st, err := e.start(ctx, id, script, vars)
	if err != nil {
		return nil, err
	}
	return e.awaitOrPause(ctx, st.ID)
}

func (e *Executor) start(ctx context.Context, id, script string, vars map[string]any) (*State, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if e.active(id) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running here", id)
	}
	if err := e.fsm.Transition(ctx, id, "", schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	if err := e.claim(ctx, id); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	st := &State{
		Execution: store.Execution{
			ID:             id,
			Script:         script,
			Status:         schema.ExecutionStatusRunning,
			CompletedSteps: []string{},
			MachineID:      e.opts.MachineID,
			CreatedAt:      now,
		},
		Variables: expressions.NewEnv(vars).Snapshot(),
	}

	// The first write must succeed: an execution that cannot be found later
	// should not run at all.
	if err := e.opts.Backend.Save(ctx, st); err != nil {
		e.unclaim(ctx, id)
		e.opts.Metrics.RecordCheckpoint("failed")
		return nil, schema.NewError(schema.ErrCodeStore, "save initial checkpoint").WithCause(err)
	}
	e.opts.Metrics.RecordCheckpoint("ok")

	if e.opts.Continuations != nil {
		if _, err := e.opts.Continuations.Create(ctx, continuation.CreateOptions{
			PromiseID: id,
			TaskID:    id,
			Kind:      ContinuationKind,
		}); err != nil {
			e.logger(ctx, id).Warn("track execution continuation failed", slog.String("error", err.Error()))
		}
	}

	snapshot := st.clone()
	if err := e.launch(ctx, st); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Resume continues a paused execution, or a running one whose previous run
// died with its process. Steps recorded as completed are skipped and the
// variable snapshot is restored before the script is replayed from the top.
//
// With leases configured, a run still live on another machine keeps renewing
// its lease and Resume fails with LEASE_CONFLICT. A running checkpoint is
// only taken over once its owner's lease has expired.
func (e *Executor) Resume(ctx context.Context, id string) (*State, error) {
	if e.active(id) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running here", id)
	}
	if err := e.claim(ctx, id); err != nil {
		return nil, err
	}
	st, err := e.resume(ctx, id)
	if err != nil {
		e.unclaim(ctx, id)
		return nil, err
	}

	snapshot := st.clone()
	if err := e.launch(ctx, st); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// resume moves the stored checkpoint of id back to running on this machine.
func (e *Executor) resume(ctx context.Context, id string) (*State, error) {
	st, err := e.opts.Backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if st.Status == schema.ExecutionStatusRunning {
		// Nothing live holds it, so the previous run was interrupted.
		e.logger(ctx, id).Info("recovering interrupted execution", slog.String("previous_machine", st.MachineID))
		if err := e.fsm.Transition(ctx, id, st.Status, schema.ExecutionStatusPaused); err != nil {
			return nil, err
		}
		st.Status = schema.ExecutionStatusPaused
		e.save(ctx, st)
	}

	if err := e.fsm.Transition(ctx, id, st.Status, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	st.Status = schema.ExecutionStatusRunning
	st.MachineID = e.opts.MachineID
	st.CompletedAt = nil
	if !e.save(ctx, st) {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save resumed checkpoint for %s", id)
	}

	if e.opts.Continuations != nil {
		if _, err := e.opts.Continuations.Reactivate(ctx, id); err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				_, err = e.opts.Continuations.Create(ctx, continuation.CreateOptions{
					PromiseID: id, TaskID: id, Kind: ContinuationKind,
				})
			}
			if err != nil {
				e.logger(ctx, id).Warn("reactivate execution continuation failed", slog.String("error", err.Error()))
			}
		}
	}
	return st, nil
}

// Pause stops a local run between steps and records it as paused. A running
// checkpoint without a local run is marked paused directly, unless another
// machine holds its lease. Pausing a paused execution is a no-op.
func (e *Executor) Pause(ctx context.Context, id string) (*State, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.opts.Backend.Load(ctx, id)
	}

	st, err := e.opts.Backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status == schema.ExecutionStatusPaused {
		return st, nil
	}
	if err := e.claim(ctx, id); err != nil {
		return nil, err
	}
	defer e.unclaim(ctx, id)
	if err := e.fsm.Transition(ctx, id, st.Status, schema.ExecutionStatusPaused); err != nil {
		return nil, err
	}
	st.Status = schema.ExecutionStatusPaused
	e.save(ctx, st)
	e.suspendContinuation(ctx, st)
	return st, nil
}

// Wait blocks until the local run of id ends and returns its last checkpoint.
// Without a local run it returns the stored checkpoint immediately.
func (e *Executor) Wait(ctx context.Context, id string) (*State, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.opts.Backend.Load(ctx, id)
}

// Status returns the stored checkpoint of id.
func (e *Executor) Status(ctx context.Context, id string) (*State, error) {
	return e.opts.Backend.Load(ctx, id)
}

// List returns checkpoint metadata matching filter.
func (e *Executor) List(ctx context.Context, filter store.ExecutionFilter) ([]*State, error) {
	return e.opts.Backend.List(ctx, filter)
}

// Delete removes a checkpoint. Executions running here cannot be deleted.
func (e *Executor) Delete(ctx context.Context, id string) error {
	if e.active(id) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is running", id)
	}
	return e.opts.Backend.Delete(ctx, id)
}

// Cleanup deletes completed and failed checkpoints not updated within
// olderThan and returns how many were removed.
func (e *Executor) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, status := range []schema.ExecutionStatus{schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed} {
		states, err := e.opts.Backend.List(ctx, store.ExecutionFilter{Status: status, UpdatedBefore: &cutoff})
		if err != nil {
			return removed, err
		}
		for _, st := range states {
			if err := e.opts.Backend.Delete(ctx, st.ID); err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// ResumeHandler adapts Resume to the continuation manager: it resumes the
// execution behind the continuation and waits for the run to end.
func (e *Executor) ResumeHandler() continuation.ResumeFunc {
	return func(ctx context.Context, c *store.Continuation) (any, error) {
		id := c.PromiseID
		if c.Data != nil && c.Data.TaskID != "" {
			id = c.Data.TaskID
		}
		if _, err := e.Resume(ctx, id); err != nil {
			return nil, err
		}
		st, err := e.awaitOrPause(ctx, id)
		if err != nil {
			return nil, err
		}
		return summary(st), nil
	}
}

func (e *Executor) awaitOrPause(ctx context.Context, id string) (*State, error) {
	st, err := e.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		return e.Pause(context.WithoutCancel(ctx), id)
	}
	return st, err
}

func (e *Executor) active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

func (e *Executor) logger(ctx context.Context, id string) *slog.Logger {
	ctx = logging.WithMachineID(logging.WithExecutionID(ctx, id), e.opts.MachineID)
	return logging.LogWith(ctx, e.opts.Logger)
}

func summary(st *State) map[string]any {
	return map[string]any{
		"execution_id":    st.ID,
		"status":          string(st.Status),
		"completed_steps": st.CompletedSteps,
		"errors":          len(st.Errors),
	}
}

func (s *State) clone() *State {
	c := *s
	c.CompletedSteps = slices.Clone(s.CompletedSteps)
	c.Errors = slices.Clone(s.Errors)
	c.Variables = maps.Clone(s.Variables)
	return &c
}

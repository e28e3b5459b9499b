package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/engine"
	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/internal/streaming"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// launch registers a local run for st and drives it on its own goroutine. The
// run owns the lease claimed for st and releases it when it ends.
func (e *Executor) launch(ctx context.Context, st *State) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, busy := e.runs[st.ID]; busy {
		e.mu.Unlock()
		cancel()
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already running here", st.ID)
	}
	e.runs[st.ID] = r
	e.mu.Unlock()

	go e.hold(runCtx, st.ID, r)
	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.runs, st.ID)
			e.mu.Unlock()
			cancel()
			if !r.lost.Load() {
				e.unclaim(ctx, st.ID)
			}
			close(r.done)
		}()
		e.drive(runCtx, st, r)
	}()
	return nil
}

// drive runs the script and folds every event into the checkpoint.
func (e *Executor) drive(ctx context.Context, st *State, r *run) {
	ctx = logging.WithMachineID(logging.WithExecutionID(ctx, st.ID), e.opts.MachineID)
	log := logging.LogWith(ctx, e.opts.Logger)

	env := expressions.NewEnv(st.Variables)
	opts := e.opts.Engine
	opts.ExecutionID = st.ID
	opts.CompletedSteps = append([]string(nil), st.CompletedSteps...)

	coord := engine.NewCoordinator(engine.Deps{
		Tools:   e.opts.Tools,
		Input:   e.opts.Input,
		Steps:   e.opts.Steps,
		Env:     env,
		Pool:    e.opts.Pool,
		Logger:  e.opts.Logger,
		Metrics: e.opts.Metrics,
	}, opts)

	log.Info("execution running", slog.Int("completed_steps", len(st.CompletedSteps)))

	var parseFailed, stepFailed bool
	for ev := range coord.Run(ctx, st.Script) {
		if e.opts.OnEvent != nil {
			e.opts.OnEvent(ev)
		}
		e.publish(ctx, ev)

		dirty := false
		switch ev.Kind {
		case schema.EventStepCompleted:
			st.CompletedSteps = append(st.CompletedSteps, ev.StepID)
			dirty = true
		case schema.EventStepFailed, schema.EventPromptFailed:
			// Steps cut short by a pause are not failures; they run again on resume.
			if ev.Err == nil || ev.Err.Code != schema.ErrCodeCancelled {
				stepFailed = true
				st.Errors = append(st.Errors, executionError(ev))
			}
			dirty = true
		case schema.EventParseError:
			parseFailed = true
			st.Errors = append(st.Errors, executionError(ev))
			dirty = true
		case schema.EventPromptAnswered:
			// Recorded like a step so a resume does not ask again.
			if ev.StepID != "" {
				st.CompletedSteps = append(st.CompletedSteps, ev.StepID)
			}
			dirty = true
		case schema.EventStepRejected, schema.EventVariableSet:
			dirty = true
		}
		if dirty && !r.lost.Load() {
			st.Variables = env.Snapshot()
			e.checkpoint(ctx, st)
		}
	}

	if r.lost.Load() {
		log.Warn("execution taken over by another machine, leaving its checkpoint alone")
		return
	}

	st.Variables = env.Snapshot()
	final := schema.ExecutionStatusCompleted
	switch {
	case ctx.Err() != nil:
		final = schema.ExecutionStatusPaused
	case parseFailed:
		final = schema.ExecutionStatusFailed
	case stepFailed && e.opts.FailOnStepError:
		final = schema.ExecutionStatusFailed
	}
	e.finish(context.WithoutCancel(ctx), st, final)
}

func (e *Executor) finish(ctx context.Context, st *State, final schema.ExecutionStatus) {
	log := logging.LogWith(ctx, e.opts.Logger)
	if err := e.fsm.Transition(ctx, st.ID, st.Status, final); err != nil {
		log.Error("finish execution", slog.String("error", err.Error()))
		return
	}
	st.Status = final
	if final.IsTerminal() {
		now := time.Now().UTC()
		st.CompletedAt = &now
	}
	e.checkpoint(ctx, st)
	e.opts.Metrics.RecordExecution(string(final))

	log.Info("execution "+string(final),
		slog.Int("completed_steps", len(st.CompletedSteps)),
		slog.Int("errors", len(st.Errors)),
	)

	if e.opts.Continuations == nil {
		return
	}
	var err error
	switch final {
	case schema.ExecutionStatusCompleted:
		_, err = e.opts.Continuations.Fulfill(ctx, st.ID, summary(st))
	case schema.ExecutionStatusFailed:
		_, err = e.opts.Continuations.Reject(ctx, st.ID, failureReason(st))
	case schema.ExecutionStatusPaused:
		e.suspendContinuation(ctx, st)
	}
	if err != nil {
		log.Warn("settle execution continuation failed", slog.String("error", err.Error()))
	}
}

func (e *Executor) suspendContinuation(ctx context.Context, st *State) {
	if e.opts.Continuations == nil {
		return
	}
	_, err := e.opts.Continuations.Suspend(ctx, st.ID, store.ContinuationData{
		TaskID:     st.ID,
		Kind:       ContinuationKind,
		Position:   len(st.CompletedSteps),
		LocalState: map[string]any{"completed_steps": st.CompletedSteps},
	})
	if err != nil {
		e.logger(ctx, st.ID).Warn("suspend execution continuation failed", slog.String("error", err.Error()))
	}
}

// checkpoint saves st, and on a persistent failure records it in st.Errors,
// publishes checkpoint_failed and keeps the execution going.
func (e *Executor) checkpoint(ctx context.Context, st *State) {
	if e.save(ctx, st) {
		return
	}
	st.Errors = append(st.Errors, store.ExecutionError{
		Code:    schema.ErrCodeStore,
		Message: "checkpoint write failed",
		At:      time.Now().UTC(),
	})
	if e.opts.Hub != nil {
		_ = e.opts.Hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: st.ID,
			EventType:   schema.EventCheckpointFailed,
			Category:    string(engine.CategoryError),
			Time:        time.Now().UTC(),
		})
	}
}

// save writes st with retries. Writes are not bound to ctx cancellation: a
// pause must still be recorded.
func (e *Executor) save(ctx context.Context, st *State) bool {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < e.opts.SaveAttempts; attempt++ {
		if attempt > 0 {
			_ = engine.WaitForBackoff(ctx, engine.ComputeBackoff(e.opts.SaveBackoff, attempt-1))
		}
		if err = e.opts.Backend.Save(ctx, st); err == nil {
			if attempt == 0 {
				e.opts.Metrics.RecordCheckpoint("ok")
			} else {
				e.opts.Metrics.RecordCheckpoint("retried")
			}
			return true
		}
	}
	e.opts.Metrics.RecordCheckpoint("failed")
	e.logger(ctx, st.ID).Error("checkpoint write failed",
		slog.Int("attempts", e.opts.SaveAttempts),
		slog.String("error", err.Error()),
	)
	return false
}

func (e *Executor) publish(ctx context.Context, ev engine.Event) {
	if e.opts.Hub == nil {
		return
	}
	_ = e.opts.Hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		EventType:   ev.Kind,
		Category:    string(ev.Category),
		Payload:     ev,
		Time:        ev.Time,
	})
}

func executionError(ev engine.Event) store.ExecutionError {
	out := store.ExecutionError{StepID: ev.StepID, At: ev.Time}
	if ev.Err != nil {
		out.Code = ev.Err.Code
		out.Message = ev.Err.Message
	} else {
		out.Code = schema.ErrCodeExecution
		out.Message = ev.Kind
	}
	if out.At.IsZero() {
		out.At = time.Now().UTC()
	}
	return out
}

func failureReason(st *State) string {
	if n := len(st.Errors); n > 0 {
		last := st.Errors[n-1]
		return last.Code + ": " + last.Message
	}
	return "execution failed"
}

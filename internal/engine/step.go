package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/input"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/tools"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// runStep drives one tool step to exactly one terminal event: completed,
// failed, rejected or skipped. depErr, when set, fails the step before it
// waits on anything.
func (in *Interpreter) runStep(ctx context.Context, step schema.Step, blockType schema.BlockType, out chan<- Event, depErr error) {
	base := Event{BlockType: blockType, StepID: step.ID, Tool: step.Tool}
	emit := func(kind string, attempt int, data any, err *schema.FlowError) {
		ev := base
		ev.Kind, ev.Attempt, ev.Data, ev.Err = kind, attempt, data, err
		in.send(out, ev)
	}

	occurrence := in.tracker.nextOccurrence(step.ID)
	if in.tracker.consumeSkip(step.ID) {
		emit(schema.EventStepSkipped, 0, map[string]any{"reason": "resume"}, nil)
		return
	}

	ctx = logging.WithStepID(ctx, step.ID)
	log := in.deps.Logger

	if in.deps.Steps != nil {
		if err := in.deps.Steps.ValidateSteps([]schema.Step{step}); err != nil {
			log.WarnContext(ctx, "invalid step", slog.String("error", err.Error()))
			in.deps.Metrics.RecordStep(step.Tool, "failed", 0)
			emit(schema.EventStepFailed, 0, nil, scoped(err, step.ID, schema.ErrCodeValidation))
			return
		}
	}
	if depErr == nil {
		depErr = in.tracker.wait(ctx, step.ID, step.After)
	}
	if depErr != nil {
		log.WarnContext(ctx, "step not started", slog.String("error", depErr.Error()))
		emit(schema.EventStepFailed, 0, nil, scoped(depErr, step.ID, schema.ErrCodeDependency))
		return
	}

	started := time.Now()
	emit(schema.EventStepStarted, 0, map[string]any{"after": step.After}, nil)

	key := fmt.Sprintf("%s/%s/%d", in.opts.ExecutionID, step.ID, occurrence)
	maxAttempts := max(step.Retry, 0) + 1
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = cancelled(err)
			break
		}
		attempts = attempt

		value, err := in.attempt(ctx, step, attempt, key, emit)
		if err == nil {
			in.complete(ctx, step, attempt, value, started, emit)
			return
		}
		lastErr = err

		if schema.IsCode(err, schema.ErrCodeApprovalRejected) {
			emit(schema.EventStepRejected, attempt, map[string]any{"reason": asFlowError(err, "").Message}, nil)
			in.deps.Metrics.RecordStep(step.Tool, "rejected", time.Since(started))
			return
		}
		if attempt == maxAttempts || !IsRetryableError(err) {
			break
		}

		delay := ComputeBackoff(in.opts.backoff(step), attempt-1)
		emit(schema.EventStepRetrying, attempt, map[string]any{"delay_ms": delay.Milliseconds()}, scoped(err, step.ID, ""))
		log.InfoContext(ctx, "retrying step",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", err.Error()))
		if err := WaitForBackoff(ctx, delay); err != nil {
			lastErr = cancelled(err)
			break
		}
	}

	fe := scoped(lastErr, step.ID, schema.ErrCodeExecution)
	fe.Details = mergeDetails(fe.Details, map[string]any{"attempts": attempts})
	log.WarnContext(ctx, "step failed",
		slog.String("tool", step.Tool), slog.Int("attempts", attempts), slog.String("error", fe.Error()))
	in.deps.Metrics.RecordStep(step.Tool, "failed", time.Since(started))
	emit(schema.EventStepFailed, attempts, nil, fe)
}

// attempt performs one pass of substitute, approve, dispatch.
func (in *Interpreter) attempt(
	ctx context.Context, step schema.Step, attempt int, key string,
	emit func(string, int, any, *schema.FlowError),
) (any, error) {
	params, err := expressions.Interpolate(step.Params, in.deps.Env)
	if err != nil {
		return nil, err
	}

	if in.opts.needsApproval(step.Tool) {
		emit(schema.EventApprovalRequested, attempt, params, nil)
		resp, err := in.deps.Input.RequestApproval(ctx, input.ApprovalRequest{
			ExecutionID: in.opts.ExecutionID,
			StepID:      step.ID,
			Tool:        step.Tool,
			Params:      params,
			Attempt:     attempt,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx.Err())
			}
			return nil, err
		}
		emit(schema.EventApprovalResolved, attempt, map[string]any{"decision": resp.Decision, "reason": resp.Reason}, nil)

		switch resp.Decision {
		case input.DecisionReject:
			reason := resp.Reason
			if reason == "" {
				reason = "rejected by user"
			}
			return nil, schema.NewError(schema.ErrCodeApprovalRejected, reason)
		case input.DecisionModify:
			if resp.Params != nil {
				params = resp.Params
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	return in.dispatch(ctx, step, tools.Call{
		Name:           step.Tool,
		Params:         params,
		StepID:         step.ID,
		ExecutionID:    in.opts.ExecutionID,
		IdempotencyKey: key,
		Attempt:        attempt,
	}, emit)
}

// dispatch runs the call in the worker pool. Once started, the call is
// bounded by the step timeout only; caller cancellation is observed while
// waiting for a pool slot and between attempts.
func (in *Interpreter) dispatch(
	ctx context.Context, step schema.Step, call tools.Call,
	emit func(string, int, any, *schema.FlowError),
) (any, error) {
	timeout := in.opts.timeout(step)
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	in.deps.Metrics.RecordAttempt(step.Tool)

	var value any
	err := in.deps.Pool.Do(ctx, func(context.Context) error {
		results, err := in.deps.Tools.Execute(callCtx, call)
		if err != nil {
			return err
		}
		value, err = tools.Collect(callCtx, results, func(partial any) {
			emit(schema.EventStepPartial, call.Attempt, partial, nil)
		})
		return err
	})

	switch {
	case err == nil:
		return value, nil
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "tool %q timed out after %s", step.Tool, timeout).WithCause(err)
	case errors.Is(err, ErrPoolShutdown):
		return nil, schema.NewError(schema.ErrCodeCancelled, "worker pool shut down").WithCause(err)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil, cancelled(err)
	}
	return nil, err
}

// complete applies the optional extract filter, binds the result under the
// step id and emits the terminal event.
func (in *Interpreter) complete(
	ctx context.Context, step schema.Step, attempt int, value any, started time.Time,
	emit func(string, int, any, *schema.FlowError),
) {
	if step.Extract != "" {
		extracted, err := in.deps.JQ.Extract(ctx, step.Extract, value)
		if err != nil {
			fe := scoped(err, step.ID, schema.ErrCodeEvaluation)
			fe.Details = mergeDetails(fe.Details, map[string]any{"attempts": attempt, "extract": step.Extract})
			in.deps.Metrics.RecordStep(step.Tool, "failed", time.Since(started))
			emit(schema.EventStepFailed, attempt, nil, fe)
			return
		}
		value = extracted
	}

	in.deps.Env.Set(step.ID, value)
	in.deps.Metrics.RecordStep(step.Tool, "success", time.Since(started))
	emit(schema.EventStepCompleted, attempt, value, nil)
}

func cancelled(err error) *schema.FlowError {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
}

// asFlowError returns err as a FlowError, wrapping foreign errors with code.
func asFlowError(err error, code string) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	if code == "" {
		code = schema.ErrCodeExecution
	}
	if err == nil {
		return schema.NewError(code, "step failed without an error")
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}

// scoped copies err as a FlowError carrying stepID, leaving the original
// untouched since tools may return shared error values.
func scoped(err error, stepID, code string) *schema.FlowError {
	src := asFlowError(err, code)
	cp := *src
	cp.StepID = stepID
	cp.Details = mergeDetails(nil, src.Details)
	return &cp
}

func mergeDetails(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Interpreter executes parsed blocks against one variable environment. A
// single Interpreter serves every block of an execution, so later blocks can
// depend on steps of earlier ones.
type Interpreter struct {
	deps    Deps
	opts    Options
	tracker *tracker
}

// NewInterpreter creates an Interpreter. deps.Tools must be set.
func NewInterpreter(deps Deps, opts Options) *Interpreter {
	return &Interpreter{
		deps:    deps.withDefaults(),
		opts:    opts,
		tracker: newTracker(opts.CompletedSteps),
	}
}

// Env returns the execution's variable environment.
func (in *Interpreter) Env() *expressions.Env { return in.deps.Env }

// Execute runs block and streams its events. The channel is closed once the
// block has fully settled; callers must drain it.
func (in *Interpreter) Execute(ctx context.Context, block *schema.Block) <-chan Event {
	ctx = logging.WithExecutionID(ctx, in.opts.ExecutionID)
	in.tracker.declare(block.StepIDs())

	raw := make(chan Event)
	out := make(chan Event, 16)
	go func() {
		defer close(raw)
		in.runBlock(ctx, block, raw)
	}()
	go func() {
		defer close(out)
		for ev := range raw {
			in.tracker.observe(ev)
			out <- ev
		}
	}()
	return out
}

func (in *Interpreter) send(out chan<- Event, ev Event) {
	ev.ExecutionID = in.opts.ExecutionID
	ev.Category = classify(ev.Kind, ev.BlockType)
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	out <- ev
}

func (in *Interpreter) runBlock(ctx context.Context, b *schema.Block, out chan<- Event) {
	if b == nil {
		in.send(out, Event{
			Kind: schema.EventStepFailed,
			Err:  schema.NewError(schema.ErrCodeExecution, "empty block"),
		})
		return
	}

	switch b.Type {
	case schema.BlockSequential:
		in.bracket(out, b, func() { in.runSequential(ctx, b, out) })
	case schema.BlockParallel:
		in.bracket(out, b, func() { in.runParallel(ctx, b, out) })
	case schema.BlockIf:
		in.bracket(out, b, func() { in.runIf(ctx, b, out) })
	case schema.BlockWhile:
		in.bracket(out, b, func() { in.runWhile(ctx, b, out) })
	case schema.BlockAssign:
		in.runAssign(ctx, b, out)
	case schema.BlockPrompt:
		in.runPrompt(ctx, b.Prompt, out)
	case schema.BlockTool:
		if b.Step == nil {
			in.send(out, Event{
				Kind:      schema.EventStepFailed,
				BlockType: b.Type,
				Err:       schema.NewError(schema.ErrCodeValidation, "tool block without a step"),
			})
			return
		}
		in.runStep(ctx, *b.Step, b.Type, out, nil)
	default:
		in.send(out, Event{
			Kind:      schema.EventStepFailed,
			BlockType: b.Type,
			Err:       schema.NewErrorf(schema.ErrCodeExecution, "unknown block type %q", b.Type),
		})
	}
}

func (in *Interpreter) bracket(out chan<- Event, b *schema.Block, body func()) {
	in.send(out, Event{Kind: schema.EventBlockStarted, BlockType: b.Type})
	body()
	in.send(out, Event{Kind: schema.EventBlockCompleted, BlockType: b.Type})
}

func (in *Interpreter) runSequential(ctx context.Context, b *schema.Block, out chan<- Event) {
	forward := validation.ForwardReferences(b.Steps)
	for _, step := range b.Steps {
		var depErr error
		if refs := forward[step.ID]; len(refs) > 0 {
			depErr = schema.NewErrorf(schema.ErrCodeDependency,
				"waits for %v, which run later in the same sequence", refs).WithStep(step.ID)
		}
		in.runStep(ctx, step, b.Type, out, depErr)
	}
}

// runParallel starts every step at once and fans their event streams into
// out, one forwarder per branch.
func (in *Interpreter) runParallel(ctx context.Context, b *schema.Block, out chan<- Event) {
	cyclic := make(map[string]bool)
	for _, id := range validation.FindCycle(b.Steps) {
		cyclic[id] = true
	}

	var wg sync.WaitGroup
	for _, step := range b.Steps {
		branch := make(chan Event)
		var depErr error
		if cyclic[step.ID] {
			depErr = schema.NewError(schema.ErrCodeDependency, "dependency cycle").WithStep(step.ID)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range branch {
				out <- ev
			}
		}()
		go func() {
			defer close(branch)
			in.runStep(ctx, step, b.Type, branch, depErr)
		}()
	}
	wg.Wait()
}

func (in *Interpreter) condition(ctx context.Context, b *schema.Block, out chan<- Event) bool {
	ok, err := in.deps.Eval.Condition(b.Condition, in.deps.Env)
	data := map[string]any{"condition": b.Condition, "result": ok}
	if err != nil {
		in.deps.Logger.DebugContext(ctx, "condition evaluated to false",
			slog.String("condition", b.Condition), slog.String("error", err.Error()))
		data["error"] = err.Error()
	}
	in.send(out, Event{Kind: schema.EventConditionEvaluated, BlockType: b.Type, Data: data})
	return ok
}

func (in *Interpreter) runIf(ctx context.Context, b *schema.Block, out chan<- Event) {
	if in.condition(ctx, b, out) {
		in.runBlock(ctx, b.Body, out)
		return
	}
	in.skipAll(b.Body, "condition false", out)
}

// runWhile re-evaluates the condition only after the previous iteration has
// fully settled. Each iteration re-declares the body's steps so dependencies
// inside the body bind to the current iteration.
func (in *Interpreter) runWhile(ctx context.Context, b *schema.Block, out chan<- Event) {
	limit := in.opts.maxLoop()
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}
		if !in.condition(ctx, b, out) {
			if i == 0 {
				in.skipAll(b.Body, "condition false", out)
			}
			return
		}
		if i >= limit {
			in.send(out, Event{
				Kind:      schema.EventStepFailed,
				BlockType: b.Type,
				Err: schema.NewErrorf(schema.ErrCodeExecution,
					"loop exceeded %d iterations", limit).WithDetails(map[string]any{"condition": b.Condition}),
			})
			return
		}
		if i > 0 {
			in.tracker.declare(b.Body.StepIDs())
		}
		in.send(out, Event{Kind: schema.EventLoopIterStarted, BlockType: b.Type, Data: map[string]any{"iteration": i}})
		in.runBlock(ctx, b.Body, out)
	}
}

func (in *Interpreter) skipAll(body *schema.Block, reason string, out chan<- Event) {
	for _, id := range body.StepIDs() {
		in.send(out, Event{
			Kind:      schema.EventStepSkipped,
			BlockType: body.Type,
			StepID:    id,
			Data:      map[string]any{"reason": reason},
		})
	}
}

func (in *Interpreter) runAssign(ctx context.Context, b *schema.Block, out chan<- Event) {
	value, err := in.deps.Eval.Assign(b.Expression, in.deps.Env)
	if err != nil {
		in.deps.Logger.DebugContext(ctx, "assignment bound as literal text",
			slog.String("variable", b.Variable), slog.String("error", err.Error()))
	}
	in.deps.Env.Set(b.Variable, value)
	in.send(out, Event{Kind: schema.EventVariableSet, BlockType: b.Type, Variable: b.Variable, Data: value})
}

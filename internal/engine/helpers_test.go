package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/tools"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// callLog records every dispatched call in order.
type callLog struct {
	mu    sync.Mutex
	calls []tools.Call
}

func (l *callLog) add(c tools.Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *callLog) byTool(name string) []tools.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []tools.Call
	for _, c := range l.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// newTestRegistry registers the builtins plus a few test tools:
//
//	record  returns its params and logs the call
//	delay   sleeps params.ms, honoring ctx
//	fail    always fails
//	flaky   fails params.failures times per step, then returns "ok"
//	count   returns {"n": k, "done": k >= params.until} for the k-th call
func newTestRegistry(t *testing.T, log *callLog) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(reg, expressions.NewJQ()))

	var mu sync.Mutex
	flakyCalls := map[string]int{}
	counted := 0

	add := func(name string, fn func(ctx context.Context, call tools.Call, emit func(any)) (any, error)) {
		require.NoError(t, reg.Register(&tools.Func{
			ToolName: name,
			Fn: func(ctx context.Context, call tools.Call, emit func(any)) (any, error) {
				if log != nil {
					log.add(call)
				}
				return fn(ctx, call, emit)
			},
		}))
	}

	add("record", func(_ context.Context, call tools.Call, _ func(any)) (any, error) {
		return call.Params, nil
	})
	add("delay", func(ctx context.Context, call tools.Call, _ func(any)) (any, error) {
		ms, _ := call.Params["ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	add("fail", func(context.Context, tools.Call, func(any)) (any, error) {
		return nil, errors.New("boom")
	})
	add("flaky", func(_ context.Context, call tools.Call, _ func(any)) (any, error) {
		failures, _ := call.Params["failures"].(float64)
		mu.Lock()
		flakyCalls[call.StepID]++
		n := flakyCalls[call.StepID]
		mu.Unlock()
		if n <= int(failures) {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	})
	add("count", func(_ context.Context, call tools.Call, _ func(any)) (any, error) {
		until, _ := call.Params["until"].(float64)
		mu.Lock()
		counted++
		n := counted
		mu.Unlock()
		return map[string]any{"n": float64(n), "done": n >= int(until)}, nil
	})
	return reg
}

func newTestInterpreter(t *testing.T, log *callLog, opts Options) *Interpreter {
	t.Helper()
	if opts.ExecutionID == "" {
		opts.ExecutionID = "exec-1"
	}
	return NewInterpreter(Deps{Tools: newTestRegistry(t, log)}, opts)
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(events))
		}
	}
}

func run(t *testing.T, in *Interpreter, block *schema.Block) []Event {
	t.Helper()
	return drain(t, in.Execute(context.Background(), block))
}

// index returns the position of the first event with kind for stepID, or -1.
func index(events []Event, kind, stepID string) int {
	for i, ev := range events {
		if ev.Kind == kind && ev.StepID == stepID {
			return i
		}
	}
	return -1
}

func find(t *testing.T, events []Event, kind, stepID string) Event {
	t.Helper()
	i := index(events, kind, stepID)
	require.GreaterOrEqual(t, i, 0, "no %s event for %q in %v", kind, stepID, kinds(events))
	return events[i]
}

func count(events []Event, kind string) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func kinds(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind + ":" + ev.StepID
	}
	return out
}

func seq(steps ...schema.Step) *schema.Block {
	return &schema.Block{Type: schema.BlockSequential, Steps: steps}
}

func par(steps ...schema.Step) *schema.Block {
	return &schema.Block{Type: schema.BlockParallel, Steps: steps}
}

func toolBlock(step schema.Step) *schema.Block {
	return &schema.Block{Type: schema.BlockTool, Step: &step}
}

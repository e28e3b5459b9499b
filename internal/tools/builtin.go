package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
)

// Builtins returns the tools every registry starts with.
func Builtins(jq *expressions.JQ) []Tool {
	return []Tool{
		&Func{
			ToolName: "echo",
			Spec:     Schema{Description: "Returns its params unchanged"},
			Fn: func(_ context.Context, call Call, _ func(any)) (any, error) {
				return call.Params, nil
			},
		},
		&Func{
			ToolName: "sleep",
			Spec: Schema{
				Description: "Waits ms milliseconds, reporting progress every tick_ms",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"required": ["ms"],
					"properties": {
						"ms": {"type": "number", "minimum": 0},
						"tick_ms": {"type": "number", "exclusiveMinimum": 0}
					}
				}`),
			},
			Fn: sleepTool,
		},
		&Func{
			ToolName: "jq",
			Spec: Schema{
				Description: "Applies a jq filter to input",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"required": ["filter"],
					"properties": {
						"filter": {"type": "string", "minLength": 1},
						"input": {}
					}
				}`),
			},
			Fn: func(ctx context.Context, call Call, _ func(any)) (any, error) {
				filter, _ := call.Params["filter"].(string)
				return jq.Extract(ctx, filter, call.Params["input"])
			},
		},
		NewHTTPTool(HTTPConfig{}),
	}
}

// RegisterBuiltins registers Builtins in reg.
func RegisterBuiltins(reg *Registry, jq *expressions.JQ) error {
	for _, t := range Builtins(jq) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func sleepTool(ctx context.Context, call Call, emit func(any)) (any, error) {
	total := durationParam(call.Params, "ms")
	tick := durationParam(call.Params, "tick_ms")

	deadline := time.NewTimer(total)
	defer deadline.Stop()

	var ticks <-chan time.Time
	if tick > 0 {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	start := time.Now()
	for {
		select {
		case <-deadline.C:
			return map[string]any{"slept_ms": float64(time.Since(start).Milliseconds())}, nil
		case <-ticks:
			emit(map[string]any{"elapsed_ms": float64(time.Since(start).Milliseconds())})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func durationParam(params map[string]any, key string) time.Duration {
	switch v := params[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case int:
		return time.Duration(v) * time.Millisecond
	case json.Number:
		f, _ := v.Float64()
		return time.Duration(f * float64(time.Millisecond))
	}
	return 0
}

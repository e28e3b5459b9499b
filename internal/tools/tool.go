package tools

import (
	"context"
	"encoding/json"
)

// Tool is an executable capability a script step may invoke. Execute may
// report progress through emit before returning its final value.
type Tool interface {
	Name() string
	Schema() Schema
	Execute(ctx context.Context, call Call, emit func(partial any)) (any, error)
}

// Schema describes a tool's parameters.
type Schema struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Call is one dispatch of a tool for a step attempt. IdempotencyKey is stable
// for a given execution, step and occurrence, so a tool may detect a call that
// is being repeated after a resume.
type Call struct {
	Name           string         `json:"name"`
	Params         map[string]any `json:"params"`
	StepID         string         `json:"step_id,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Attempt        int            `json:"attempt"`
}

// Result is one element of a tool's result stream. Exactly one element per
// call has Done set, carrying either Value or Err.
type Result struct {
	Partial any
	Value   any
	Err     error
	Done    bool
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Spec     Schema
	Fn       func(ctx context.Context, call Call, emit func(any)) (any, error)
}

func (f *Func) Name() string   { return f.ToolName }
func (f *Func) Schema() Schema { return f.Spec }

func (f *Func) Execute(ctx context.Context, call Call, emit func(any)) (any, error) {
	return f.Fn(ctx, call, emit)
}

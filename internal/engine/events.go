package engine

import (
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Category groups events for callers of the Coordinator.
type Category string

const (
	CategoryBlock      Category = "block"
	CategoryTool       Category = "tool"
	CategoryAssignment Category = "assignment"
	CategoryPrompt     Category = "prompt"
	CategoryError      Category = "error"
)

// Event is one element of an execution's event stream.
type Event struct {
	Kind        string            `json:"kind"`
	Category    Category          `json:"category"`
	ExecutionID string            `json:"execution_id,omitempty"`
	BlockType   schema.BlockType  `json:"block_type,omitempty"`
	StepID      string            `json:"step_id,omitempty"`
	Tool        string            `json:"tool,omitempty"`
	Variable    string            `json:"variable,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	Data        any               `json:"data,omitempty"`
	Err         *schema.FlowError `json:"error,omitempty"`
	Time        time.Time         `json:"time"`
}

// Terminal reports whether the event settles its step for dependency purposes.
func (e Event) Terminal() bool {
	switch e.Kind {
	case schema.EventStepCompleted, schema.EventStepFailed,
		schema.EventStepRejected, schema.EventStepSkipped:
		return e.StepID != ""
	}
	return false
}

func classify(kind string, blockType schema.BlockType) Category {
	switch kind {
	case schema.EventStepFailed, schema.EventParseError, schema.EventPromptFailed:
		return CategoryError
	case schema.EventVariableSet:
		return CategoryAssignment
	case schema.EventPromptRequested, schema.EventPromptAnswered:
		return CategoryPrompt
	case schema.EventBlockStarted, schema.EventBlockCompleted,
		schema.EventConditionEvaluated, schema.EventLoopIterStarted:
		return CategoryBlock
	}
	if blockType == schema.BlockPrompt {
		return CategoryPrompt
	}
	return CategoryTool
}

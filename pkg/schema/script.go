package schema

import (
	"encoding/json"
	"time"
)

// DefaultStepTimeout applies to steps that do not set a timeout.
const DefaultStepTimeout = 30 * time.Second

// BlockType enumerates the control-flow blocks a script may contain.
type BlockType string

const (
	BlockSequential BlockType = "sequential"
	BlockParallel   BlockType = "parallel"
	BlockIf         BlockType = "if"
	BlockWhile      BlockType = "while"
	BlockAssign     BlockType = "assign"
	BlockPrompt     BlockType = "prompt"
	BlockTool       BlockType = "tool"
)

// Block is one parsed control-flow unit. Which fields are set depends on Type:
// Steps for sequential/parallel, Condition+Body for if/while,
// Variable+Expression for assign, Prompt for prompt, Step for tool.
type Block struct {
	Type       BlockType         `json:"type"`
	Steps      []Step            `json:"steps,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Body       *Block            `json:"body,omitempty"`
	Variable   string            `json:"variable,omitempty"`
	Expression string            `json:"expression,omitempty"`
	Prompt     *PromptDefinition `json:"prompt,omitempty"`
	Step       *Step             `json:"step,omitempty"`
}

// StepIDs returns every step id declared in the block, including nested bodies.
func (b *Block) StepIDs() []string {
	if b == nil {
		return nil
	}
	var ids []string
	for _, s := range b.Steps {
		ids = append(ids, s.ID)
	}
	if b.Step != nil {
		ids = append(ids, b.Step.ID)
	}
	return append(ids, b.Body.StepIDs()...)
}

// Step is a single tool invocation.
type Step struct {
	ID      string         `json:"id"`
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params,omitempty"`
	After   []string       `json:"after,omitempty"`
	Retry   int            `json:"retry,omitempty"`
	Timeout int            `json:"timeout,omitempty"` // milliseconds
	// Extract is an optional jq filter applied to the tool result before it is bound.
	Extract string         `json:"extract,omitempty"`
	Backoff *BackoffPolicy `json:"backoff,omitempty"`
}

// TimeoutDuration returns the per-attempt timeout.
func (s Step) TimeoutDuration() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.Timeout) * time.Millisecond
}

// BackoffPolicy configures the delay between retry attempts.
type BackoffPolicy struct {
	Strategy string `json:"strategy,omitempty" yaml:"strategy"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay"`       // e.g. "200ms"
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay"`
}

// PromptType enumerates the kinds of user prompts.
type PromptType string

const (
	PromptText    PromptType = "text"
	PromptSelect  PromptType = "select"
	PromptConfirm PromptType = "confirm"
	PromptNumber  PromptType = "number"
)

// PromptDefinition describes a question asked to the user mid-script.
type PromptDefinition struct {
	ID         string            `json:"id"`
	Type       PromptType        `json:"type"`
	Message    string            `json:"message"`
	Variable   string            `json:"variable"`
	Options    []string          `json:"options,omitempty"`
	Default    any               `json:"default,omitempty"`
	Required   bool              `json:"required,omitempty"`
	Validation *PromptValidation `json:"validation,omitempty"`
}

// PromptValidation constrains a prompt response.
type PromptValidation struct {
	Pattern string   `json:"pattern,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Message string   `json:"message,omitempty"`
}

// StepList accepts either a bare JSON array of steps or {"steps": [...]}.
type StepList []Step

func (l *StepList) UnmarshalJSON(data []byte) error {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err == nil {
		*l = steps
		return nil
	}
	var wrapped struct {
		Steps *[]Step `json:"steps"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Steps == nil {
		return NewError(ErrCodeParse, `expected a step array or an object with "steps"`)
	}
	*l = *wrapped.Steps
	return nil
}

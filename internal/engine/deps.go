package engine

import (
	"log/slog"
	"slices"
	"time"

	"github.com/revskill10/openagent-cli-sub002/internal/expressions"
	"github.com/revskill10/openagent-cli-sub002/internal/input"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/tools"
	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

const (
	// DefaultMaxLoopIterations caps a single [WHILE] block.
	DefaultMaxLoopIterations = 1000
	// DefaultPoolSize is used when Deps.Pool is nil.
	DefaultPoolSize = 8
)

// Deps are the collaborators of one execution. Tools is required; the rest
// have working defaults. Pool, Metrics and Logger may be shared between
// executions, Env may not.
type Deps struct {
	Tools   tools.Executor
	Input   input.Handler
	Prompts *input.PromptValidator
	Steps   *validation.JSONSchemaValidator
	Env     *expressions.Env
	Eval    *expressions.Evaluator
	JQ      *expressions.JQ
	Pool    *WorkerPool
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func (d Deps) withDefaults() Deps {
	if d.Input == nil {
		d.Input = input.AutoApprove{}
	}
	if d.Prompts == nil && d.Steps != nil {
		d.Prompts = input.NewPromptValidator(d.Steps)
	}
	if d.Env == nil {
		d.Env = expressions.NewEnv(nil)
	}
	if d.Eval == nil {
		d.Eval = expressions.NewEvaluator()
	}
	if d.JQ == nil {
		d.JQ = expressions.NewJQ()
	}
	if d.Pool == nil {
		d.Pool = NewWorkerPool(DefaultPoolSize, d.Metrics)
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return d
}

// Options tune one execution.
type Options struct {
	ExecutionID string
	// RequireApproval asks the input handler before every dispatch of the
	// tools in ApprovalTools, or of every tool when ApprovalTools is empty.
	RequireApproval bool
	ApprovalTools   []string
	// Backoff applies to steps that do not set their own.
	Backoff *schema.BackoffPolicy
	// CompletedSteps from a previous run; each entry skips one encounter of
	// that step id.
	CompletedSteps []string
	// DefaultTimeout overrides schema.DefaultStepTimeout for steps without one.
	DefaultTimeout    time.Duration
	MaxLoopIterations int
}

func (o Options) needsApproval(tool string) bool {
	if !o.RequireApproval {
		return false
	}
	return len(o.ApprovalTools) == 0 || slices.Contains(o.ApprovalTools, tool)
}

func (o Options) timeout(step schema.Step) time.Duration {
	if step.Timeout <= 0 && o.DefaultTimeout > 0 {
		return o.DefaultTimeout
	}
	return step.TimeoutDuration()
}

func (o Options) backoff(step schema.Step) *schema.BackoffPolicy {
	if step.Backoff != nil {
		return step.Backoff
	}
	return o.Backoff
}

func (o Options) maxLoop() int {
	if o.MaxLoopIterations > 0 {
		return o.MaxLoopIterations
	}
	return DefaultMaxLoopIterations
}

// Package input connects a running script to whoever answers its approval
// requests and prompts.
package input

import (
	"context"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

// ApprovalRequest asks whether a tool call may be dispatched.
type ApprovalRequest struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params"`
	Attempt     int            `json:"attempt"`
}

// ApprovalResponse answers an ApprovalRequest. For DecisionModify, a non-nil
// Params replaces the call's params; nil keeps them.
type ApprovalResponse struct {
	Decision Decision       `json:"decision"`
	Params   map[string]any `json:"params,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Handler answers approvals and prompts. Implementations may block until a
// human responds and must return when ctx is cancelled.
type Handler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
	RequestPrompt(ctx context.Context, def schema.PromptDefinition) (any, error)
}

// AutoApprove approves every call and answers every prompt with its default.
type AutoApprove struct{}

func (AutoApprove) RequestApproval(context.Context, ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Decision: DecisionApprove}, nil
}

func (AutoApprove) RequestPrompt(_ context.Context, def schema.PromptDefinition) (any, error) {
	return def.Default, nil
}

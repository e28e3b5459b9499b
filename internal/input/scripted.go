package input

import (
	"context"
	"sync"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Scripted answers from queues filled ahead of time. Approvals are consumed in
// order and default to approve when the queue is empty. Prompt answers are
// keyed by prompt id (or variable name) and consumed in order; a prompt with
// no queued answer gets its default.
type Scripted struct {
	mu        sync.Mutex
	approvals []ApprovalResponse
	answers   map[string][]any

	// Seen records every approval request, in arrival order.
	Seen []ApprovalRequest
}

// NewScripted creates an empty Scripted handler.
func NewScripted() *Scripted {
	return &Scripted{answers: make(map[string][]any)}
}

// Approve queues an approval.
func (s *Scripted) Approve() *Scripted {
	return s.push(ApprovalResponse{Decision: DecisionApprove})
}

// Reject queues a rejection.
func (s *Scripted) Reject(reason string) *Scripted {
	return s.push(ApprovalResponse{Decision: DecisionReject, Reason: reason})
}

// Modify queues a modification carrying replacement params.
func (s *Scripted) Modify(params map[string]any) *Scripted {
	return s.push(ApprovalResponse{Decision: DecisionModify, Params: params})
}

// Answer queues a response for the prompt with the given id or variable.
func (s *Scripted) Answer(key string, value any) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[key] = append(s.answers[key], value)
	return s
}

func (s *Scripted) push(resp ApprovalResponse) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals = append(s.approvals, resp)
	return s
}

// RequestApproval records req and returns the next queued approval.
func (s *Scripted) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	if err := ctx.Err(); err != nil {
		return ApprovalResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Seen = append(s.Seen, req)
	if len(s.approvals) == 0 {
		return ApprovalResponse{Decision: DecisionApprove}, nil
	}
	resp := s.approvals[0]
	s.approvals = s.approvals[1:]
	return resp, nil
}

// RequestPrompt returns the next answer queued under the prompt's id, then
// its variable, falling back to the prompt's default.
func (s *Scripted) RequestPrompt(ctx context.Context, def schema.PromptDefinition) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{def.ID, def.Variable} {
		if queue := s.answers[key]; len(queue) > 0 {
			s.answers[key] = queue[1:]
			return queue[0], nil
		}
	}
	return def.Default, nil
}

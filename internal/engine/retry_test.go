package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_Context(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(fmt.Errorf("call: %w", context.DeadlineExceeded)))
}

func TestIsRetryableError_FlowErrorCodes(t *testing.T) {
	retryable := []string{
		schema.ErrCodeExecution,
		schema.ErrCodeTimeout,
		schema.ErrCodeVariableNotFound,
		schema.ErrCodeStore,
		schema.ErrCodeStepFailed,
	}
	for _, code := range retryable {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), code)
	}

	final := []string{
		schema.ErrCodeValidation,
		schema.ErrCodeApprovalRejected,
		schema.ErrCodeCancelled,
		schema.ErrCodeInvalidTransition,
		schema.ErrCodeNotFound,
		schema.ErrCodeDependency,
	}
	for _, code := range final {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestIsRetryableError_WrappedFlowError(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", schema.NewError(schema.ErrCodeApprovalRejected, "no"))
	assert.False(t, IsRetryableError(err))
}

func TestIsRetryableError_PlainErrors(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("something went wrong")))
	assert.False(t, IsRetryableError(errors.New("open /etc/shadow: permission denied")))
}

func TestComputeBackoff_Disabled(t *testing.T) {
	assert.Zero(t, ComputeBackoff(nil, 0))
	assert.Zero(t, ComputeBackoff(&schema.BackoffPolicy{Strategy: "exponential"}, 2))
	assert.Zero(t, ComputeBackoff(&schema.BackoffPolicy{Strategy: "constant", Delay: "soon"}, 0))
	assert.Zero(t, ComputeBackoff(&schema.BackoffPolicy{Strategy: "none", Delay: "1s"}, 3))
}

func TestComputeBackoff_Strategies(t *testing.T) {
	tests := []struct {
		strategy string
		want     []time.Duration
	}{
		{"constant", []time.Duration{100, 100, 100, 100}},
		{"", []time.Duration{100, 100, 100, 100}},
		{"linear", []time.Duration{100, 200, 300, 400}},
		{"exponential", []time.Duration{100, 200, 400, 800}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			policy := &schema.BackoffPolicy{Strategy: tt.strategy, Delay: "100ms"}
			for attempt, want := range tt.want {
				assert.Equal(t, want*time.Millisecond, ComputeBackoff(policy, attempt), "attempt %d", attempt)
			}
		})
	}
}

func TestComputeBackoff_MaxDelay(t *testing.T) {
	policy := &schema.BackoffPolicy{Strategy: "exponential", Delay: "10ms", MaxDelay: "50ms"}

	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 3))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 60))

	policy.MaxDelay = "invalid"
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(policy, 2))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -1))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}

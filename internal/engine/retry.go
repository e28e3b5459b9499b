package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// IsRetryableError reports whether a failed attempt may be repeated.
// FlowErrors decide by code. Caller cancellation is final, a deadline is not.
// Foreign errors default to retryable and the step's retry budget bounds them.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

var permanentPatterns = []string{
	"permission denied",
	"unauthorized",
	"forbidden",
	"invalid argument",
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
// Strategies: none (no wait), constant, linear, exponential; max_delay caps the
// result. An unset or unparsable delay means no wait.
func ComputeBackoff(policy *schema.BackoffPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Strategy == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case "exponential":
		delay = base
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant
		delay = base
	}

	if policy.MaxDelay != "" {
		if maxDelay, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns ctx's error if it ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

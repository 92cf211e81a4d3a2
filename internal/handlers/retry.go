package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

// Backoff strategies for retry delays.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// maxBackoff caps exponential growth.
const maxBackoff = 5 * time.Minute

// IsRetryableError reports whether a failed attempt may be retried.
// Handler failures and step timeouts are; resolution, validation and
// cancellation errors never are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return schema.AsEngineError(err).IsRetryable()
}

// ComputeBackoff returns the delay before the retry following the given
// zero-based retry index.
func ComputeBackoff(strategy string, base time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	var delay time.Duration
	switch strategy {
	case BackoffExponential:
		delay = base
		for i := 0; i < retry && delay < maxBackoff; i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = base * time.Duration(retry+1)
	default:
		delay = base
	}
	return min(delay, maxBackoff)
}

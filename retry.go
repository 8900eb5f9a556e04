package relay

import (
	"context"
	"time"

	"github.com/smbsocks/relay/internal/logging"
)

// RetryPolicy defines retry behavior for a fallible operation run through
// withRetry. Nothing in the relay's connect path calls withRetry: the SMB
// dial is attempted once per connect, and the pipe transport's own
// reconnect loop backs off Config.ReconnectBackoff (500ms by default).
type RetryPolicy struct {
	MaxAttempts  int           // Maximum number of attempts (default: 3)
	InitialDelay time.Duration // Initial delay between retries (default: 100ms)
	MaxDelay     time.Duration // Maximum delay between retries (default: 5s)
	Multiplier   float64       // Backoff multiplier (default: 2.0)
}

// defaultRetryPolicy is the default retry policy.
var defaultRetryPolicy = &RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// withRetry executes operation with exponential backoff, stopping as soon
// as isRetryable reports the error is not worth retrying.
func withRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = defaultRetryPolicy
	}
	if policy.MaxAttempts <= 1 {
		return operation()
	}

	var lastErr error
	delay := policy.InitialDelay

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		logging.Warn("operation failed, retrying", "attempt", attempt, "max_attempts", policy.MaxAttempts, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return lastErr
}

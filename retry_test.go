package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_SucceedsWithoutRetryingOnNilError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("got (calls=%d, err=%v), want (1, nil)", calls, err)
	}
}

func TestWithRetry_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	wantErr := &ConfigError{Field: "Host", Reason: "required"}
	calls := 0
	err := withRetry(context.Background(), nil, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) && err != error(wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", calls)
	}
}

func TestWithRetry_RetriesRetryableErrorUpToMaxAttempts(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0
	err := withRetry(context.Background(), policy, func() error {
		calls++
		return ErrTransportTimeout
	})
	if err != ErrTransportTimeout {
		t.Fatalf("got %v, want ErrTransportTimeout", err)
	}
	if calls != policy.MaxAttempts {
		t.Fatalf("got %d attempts, want %d", calls, policy.MaxAttempts)
	}
}

func TestWithRetry_StopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := withRetry(ctx, defaultRetryPolicy, func() error {
		calls++
		return ErrTransportTimeout
	})
	if err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Fatalf("expected no attempts once context is already cancelled, got %d", calls)
	}
}

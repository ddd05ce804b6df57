package tillsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerSuccess(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig())

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.LastErr != nil {
		t.Errorf("expected no error, got %v", result.LastErr)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryerFailureThenSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastErr != nil {
		t.Errorf("expected no error, got %v", result.LastErr)
	}
}

func TestRetryerAllFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	expectedErr := errors.New("persistent error")
	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return expectedErr
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastErr != expectedErr {
		t.Errorf("expected %v, got %v", expectedErr, result.LastErr)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryerRetryIf(t *testing.T) {
	retryableErr := errors.New("retryable")
	nonRetryableErr := errors.New("non-retryable")

	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		RetryIf: func(err error) bool {
			return err == retryableErr
		},
	})

	calls := 0
	result := r.Do(context.Background(), func() error {
		calls++
		return nonRetryableErr
	})

	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt for non-retryable error, got %d", result.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryerContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan RetryResult)
	go func() {
		done <- r.Do(ctx, func() error {
			return errors.New("error")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	result := <-done
	if !errors.Is(result.LastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.LastErr)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context cancellation should not be retryable")
	}
	if !IsRetryable(errors.New("connection refused")) {
		t.Error("connection refused should be retryable")
	}
	if !IsRetryable(newSyncError(SyncErrorTransient, "x", "server error", nil)) {
		t.Error("transient sync error should be retryable")
	}
	if IsRetryable(newSyncError(SyncErrorStructural, "x", "endpoint unavailable", nil)) {
		t.Error("structural sync error should not be retryable")
	}
	if IsRetryable(newSyncError(SyncErrorRejected, "x", "rejected", nil)) {
		t.Error("rejected sync error should not be retryable")
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)

	failing := func() error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); err == nil {
			t.Fatal("expected failure")
		}
	}
	if cb.State() != "open" {
		t.Errorf("expected open state, got %s", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	// After the reset timeout the breaker lets a probe through.
	time.Sleep(60 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected probe to pass, got %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed state after success, got %s", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", cb.Failures())
	}
}

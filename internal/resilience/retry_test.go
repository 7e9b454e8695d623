package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempt := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, "test_op", func() (int, error) {
		attempt++
		if attempt < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if v != 42 {
		t.Errorf("v = %d, want 42", v)
	}
	if attempt != 3 {
		t.Errorf("attempt = %d, want 3", attempt)
	}
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("persistent")
	_, err := Retry(context.Background(), 2, time.Millisecond, "test_op", func() (int, error) {
		attempts++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

// RetryAudit's ceiling is far below Retry's 60s cap, so a long-running
// sequence of failures under RetryAudit must not block anywhere near
// as long as the same sequence would under Retry.
func TestRetryAuditCapsBackoffBelowDefaultRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := RetryAudit(ctx, 5, 10*time.Millisecond, "record_grant", func() (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if elapsed > time.Second {
		t.Errorf("RetryAudit took %v, expected to be bounded by the audit ceiling, not the 60s default", elapsed)
	}
}

func TestRetryZeroAttemptsIsNoop(t *testing.T) {
	called := false
	_, err := Retry(context.Background(), 0, time.Millisecond, "test_op", func() (int, error) {
		called = true
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if called {
		t.Errorf("fn should not be called for 0 attempts")
	}
}

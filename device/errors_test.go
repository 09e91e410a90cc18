package device

import (
	"context"
	"errors"
	"testing"
)

func TestWithRetry_SucceedsAfterTransientCommunicationErrors(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &CommunicationError{Device: "test", Err: errors.New("timeout")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetry_GivesUpAfterExhaustingBackoff(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return &CommunicationError{Device: "test", Err: errors.New("timeout")}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != len(RetryBackoff)+1 {
		t.Errorf("expected %d attempts, got %d", len(RetryBackoff)+1, attempts)
	}
}

func TestWithRetry_DoesNotRetryOutOfRange(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return &OutOfRange{Device: "test", Field: "soc_pct", Value: 150}
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestCommunicationError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &CommunicationError{Device: "battery", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped inner error")
	}
}

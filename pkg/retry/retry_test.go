package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/payflow-backend/pkg/config"
)

func testPolicy() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
}

func alwaysTransient(error) bool { return true }

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	executor := New(testPolicy(), alwaysTransient)

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	executor := New(testPolicy(), alwaysTransient)

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("gateway timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	executor := New(testPolicy(), alwaysTransient)

	lastErr := errors.New("still timing out")
	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("earlier timeout")
		}
		return lastErr
	})
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected the final attempt error, got %v", err)
	}
}

func TestDo_PermanentErrorAbortsImmediately(t *testing.T) {
	executor := New(testPolicy(), func(err error) bool { return false })

	permanent := errors.New("card declined")
	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		return permanent
	})
	if attempts != 1 {
		t.Fatalf("expected 1 attempt for permanent error, got %d", attempts)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error returned unchanged, got %v", err)
	}
}

func TestDo_NilClassifierNeverRetries(t *testing.T) {
	executor := New(testPolicy(), nil)

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_ClassifierSelectsRetryableErrors(t *testing.T) {
	transient := errors.New("transient")
	executor := New(testPolicy(), func(err error) bool {
		return errors.Is(err, transient)
	})

	attempts := 0
	err := executor.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return transient
		}
		return errors.New("permanent")
	})
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if err == nil || err.Error() != "permanent" {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stratamem/strata/internal/llm"
)

func TestValidationErrorMessage(t *testing.T) {
	var err error = validationErr("owner", "must not be empty")
	want := "invalid owner: must not be empty"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "owner" {
		t.Errorf("errors.As failed or Field = %q", verr.Field)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		ErrUpstreamUnavailable,
		fmt.Errorf("embed: %w", ErrUpstreamUnavailable),
		llm.ErrRateLimited,
		llm.ErrTimeout,
		llm.ErrUnavailable,
	}
	for _, err := range transient {
		if !isTransient(err) {
			t.Errorf("isTransient(%v) = false, want true", err)
		}
	}

	permanent := []error{
		errors.New("parse failure"),
		ErrNotFound,
		ErrCorruptedState,
		llm.ErrInvalidResponse,
	}
	for _, err := range permanent {
		if isTransient(err) {
			t.Errorf("isTransient(%v) = true, want false", err)
		}
	}
}

func TestWithRetryPermanentErrorStops(t *testing.T) {
	calls := 0
	boom := errors.New("bad input")
	err := withRetry(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryRecovers(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("blip: %w", llm.ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return fmt.Errorf("still down: %w", ErrUpstreamUnavailable)
	})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if calls != retryAttempts {
		t.Errorf("calls = %d, want %d", calls, retryAttempts)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := withRetry(ctx, func() error {
		calls++
		return ErrUpstreamUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before backoff", calls)
	}
}

func TestWithRetryBacksOff(t *testing.T) {
	calls := 0
	start := time.Now()
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return llm.ErrRateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	// Two waits: base then doubled.
	if elapsed := time.Since(start); elapsed < retryBaseWait*3 {
		t.Errorf("elapsed = %v, want at least %v", elapsed, retryBaseWait*3)
	}
}

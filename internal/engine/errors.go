package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratamem/strata/internal/llm"
)

// Sentinel errors for the engine's failure taxonomy. Callers match with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrNotFound: the record id does not exist and no tombstone aliases it.
	ErrNotFound = errors.New("record not found")

	// ErrConflict: a conditional state change lost to a concurrent writer.
	ErrConflict = errors.New("conflicting state change")

	// ErrDimensionMismatch: compared embeddings differ in length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUpstreamUnavailable: the LLM or embedding backend is unreachable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrCorruptedState: stored state violates an invariant. Corrupt rows
	// are surfaced and dead-lettered, never repaired in place.
	ErrCorruptedState = errors.New("corrupted state")
)

// ValidationError rejects malformed input naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Retry policy for transient upstream failures. Scoring and storage paths
// never retry; only outbound LLM/embedding calls do.
const (
	retryAttempts = 3
	retryBaseWait = 200 * time.Millisecond
)

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, llm.ErrRateLimited) ||
		errors.Is(err, llm.ErrTimeout) ||
		errors.Is(err, llm.ErrUnavailable)
}

// withRetry runs fn up to retryAttempts times with doubling backoff,
// retrying only transient errors. The last error is returned as-is so
// errors.Is still matches the underlying kind.
func withRetry(ctx context.Context, fn func() error) error {
	wait := retryBaseWait
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

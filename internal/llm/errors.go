package llm

import (
	"errors"
	"fmt"
	"time"
)

// Transport retry budget shared by all providers. A timed-out call counts
// as one attempt, not an unbounded hang.
const (
	maxAttempts       = 3
	defaultRetryDelay = 2 * time.Second
)

// TransportError is a network-level or provider-side failure. Status is the
// HTTP status code, or 0 for connection and timeout errors.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider returned status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("provider transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
func (e *TransportError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// withRetries runs fn up to the attempt budget, sleeping delay between
// retryable transport failures. Non-transport errors and non-retryable
// statuses escalate immediately.
func withRetries(fn func() (string, error), delay time.Duration) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := fn()
		if err == nil {
			return text, nil
		}
		lastErr = err

		var te *TransportError
		if !errors.As(err, &te) || !te.Retryable() {
			return "", err
		}
		if attempt < maxAttempts {
			time.Sleep(delay)
		}
	}
	return "", fmt.Errorf("transport retries exhausted: %w", lastErr)
}

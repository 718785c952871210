package engine

import (
	"errors"
	"fmt"
)

// ErrMissingSession means a continuation referenced a session that does not
// exist (never started, cleaned up, or evicted). The client must restart.
var ErrMissingSession = errors.New("no session for continuation")

// ValidationError is a malformed or inconsistent request. Client fault, no
// retry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid turn request: " + e.Reason
}

// GenerationError means the provider responded but the recovery pipeline
// could not produce a structured value, even after the one corrective
// retry. Raw preserves the last response for diagnostics; it is logged,
// never shown to the end user.
type GenerationError struct {
	Raw string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("provider output unusable after corrective retry: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

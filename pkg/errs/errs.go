// Package errs defines the error taxonomy shared by every orgfeed component.
//
// Errors are plain sentinels wrapped with fmt.Errorf("...: %w", err) at the
// point of failure and classified by callers with errors.Is. The sentinels
// are deliberately coarse: NotFound covers both "absent" and "not visible to
// the requester" so that callers can never distinguish the two.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the actor lacks the capability required for a
	// mutation. No partial write has happened.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidTarget means a visibility rule or assignment references a role
	// or membership tier outside the organization, or a referenced row cannot
	// be removed while still in use.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrNotFound means the entity is absent or not visible to the requester.
	ErrNotFound = errors.New("not found")

	// ErrConflictingEdit means a concurrent mutation of the same entity won.
	ErrConflictingEdit = errors.New("conflicting edit")

	// ErrTransientUnavailable means storage or the change bus is temporarily
	// unreachable. Safe to retry with backoff.
	ErrTransientUnavailable = errors.New("temporarily unavailable")

	// ErrInvalidInput means the request payload failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Transient wraps err so that it classifies as ErrTransientUnavailable while
// keeping the original cause in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientUnavailable, err)
}

// IsRetryable reports whether err may succeed on retry. Authorization and
// visibility failures are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientUnavailable)
}

// PublicMessage returns the text shown to end users for err. It never
// includes details from the underlying cause.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "not allowed"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrConflictingEdit):
		return "please retry, this was changed elsewhere"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid target"
	case errors.Is(err, ErrInvalidInput):
		return "invalid request"
	case errors.Is(err, ErrTransientUnavailable):
		return "temporarily unavailable, please retry"
	default:
		return "internal error"
	}
}

// Package errs defines the closed error taxonomy shared by the store,
// sync engine, outbox and dispatcher. Every failure a caller can react to
// is one of: transient (retry with backoff), rejected (terminal, surface
// to the user), stale transition (dropped, state preserved) or corrupt
// local state (full resync fallback).
package errs

import (
	"errors"
	"fmt"
)

// ErrWatermarkExpired is reported by the remote feed when the resume
// cursor is no longer valid and the conversation needs a full resync.
var ErrWatermarkExpired = errors.New("watermark expired")

// ErrNotFound is returned by store lookups for unknown IDs.
var ErrNotFound = errors.New("not found")

// TransientError wraps a failure that is expected to succeed on retry:
// network errors, timeouts, remote 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for the given operation.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// RejectedError is a permanent remote refusal: invalid conversation,
// payload too large, policy violation. Never retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// StaleTransitionError reports an attempt to move a message's delivery
// state backwards. The operation is dropped; the stored state is kept.
type StaleTransitionError struct {
	MessageID string
	From      string
	To        string
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for message %s: %s -> %s", e.MessageID, e.From, e.To)
}

// CorruptStateError means the local store contents are unreadable or
// violate an invariant. The caller falls back to a full resync instead
// of crashing.
type CorruptStateError struct {
	Err error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt local state: %v", e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRejected reports whether err is a permanent remote refusal.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// IsStaleTransition reports whether err is a dropped backward transition.
func IsStaleTransition(err error) bool {
	var s *StaleTransitionError
	return errors.As(err, &s)
}

// IsCorruptState reports whether err indicates unreadable local state.
func IsCorruptState(err error) bool {
	var c *CorruptStateError
	return errors.As(err, &c)
}

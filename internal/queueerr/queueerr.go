// Package queueerr defines the queue service's error taxonomy: one Kind per
// distinguishable failure mode callers need to branch on.
package queueerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies a queue error so callers can branch on failure mode
// without string matching.
type Kind string

const (
	KindInvalidTransition       Kind = "invalid_transition"
	KindOptimisticLockConflict  Kind = "optimistic_lock_conflict"
	KindCycleDetected           Kind = "cycle_detected"
	KindDuplicateIdempotencyKey Kind = "duplicate_idempotency_key"
	KindUnmetDependencies       Kind = "unmet_dependencies"
	KindMaxRetriesExceeded      Kind = "max_retries_exceeded"
	KindTimeoutExceeded         Kind = "timeout_exceeded"
	KindTerminalStateViolation  Kind = "terminal_state_violation"
	KindTransientStorageError   Kind = "transient_storage_error"
	KindPermanentStorageError   Kind = "permanent_storage_error"
	KindWorktreeError           Kind = "worktree_error"
	KindNotFound                Kind = "not_found"
	KindValidation              Kind = "validation"
)

// Error is the concrete error type returned by every package in this
// module. Wrap an underlying cause in Err when one exists so errors.Is/As
// still reaches it.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &queueerr.Error{Kind: ...}) style matching work by kind
// alone when callers construct a sentinel with just a Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Of reports the Kind of err, or "" if err is nil or not an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// InvalidTransition builds a KindInvalidTransition error naming the
// rejected state change.
func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition, "cannot transition from %s to %s", from, to)
}

// OptimisticLockConflict builds a KindOptimisticLockConflict error for a
// failed CAS write against a task or worktree row.
func OptimisticLockConflict(id uuid.UUID, expected int64) *Error {
	return New(KindOptimisticLockConflict, "row %s version mismatch, expected %d", id, expected)
}

// CycleDetected builds a KindCycleDetected error naming the cycle's members.
func CycleDetected(cycle []uuid.UUID) *Error {
	return New(KindCycleDetected, "dependency cycle detected: %v", cycle)
}

// NotFound builds a KindNotFound error for a missing row of the named
// entity type.
func NotFound(entity string, id uuid.UUID) *Error {
	return New(KindNotFound, "%s %s not found", entity, id)
}

// IsTransient reports whether a storage error kind warrants a retry rather
// than surfacing to the caller immediately.
func IsTransient(err error) bool {
	return Of(err) == KindTransientStorageError
}

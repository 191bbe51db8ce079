package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden indicates the acting principal is not the party the
	// operation requires.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation indicates user-visible invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyInProgress indicates a duplicate send/accept for the current state.
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrInvalidStateTransition indicates an illegal lifecycle transition.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrTemplateNotConfigured indicates no template set could be resolved
	// for the delivery.
	ErrTemplateNotConfigured = errors.New("no template set configured")
	// ErrConcurrentUpdate indicates the optimistic-concurrency check failed;
	// the row changed under the caller.
	ErrConcurrentUpdate = errors.New("concurrent update detected")
	// ErrNoDueJobs indicates that no transfer jobs are currently due.
	ErrNoDueJobs = errors.New("no due jobs found")
	// ErrDuplicateEntry indicates a unique constraint violation.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrActiveDeliveryExists indicates another non-complete delivery already
	// covers the same (backend, source).
	ErrActiveDeliveryExists = errors.New("an active delivery already exists for this project")
)

// TemplateMissingError indicates a resolved template set has no template of
// the requested type.
type TemplateMissingError struct {
	Type string
}

func (e *TemplateMissingError) Error() string {
	return fmt.Sprintf("template set has no %q template", e.Type)
}

// BackendErrorKind classifies storage backend failures.
type BackendErrorKind string

const (
	BackendAuthFailure      BackendErrorKind = "auth_failure"
	BackendNotFound         BackendErrorKind = "not_found"
	BackendPermissionDenied BackendErrorKind = "permission_denied"
	BackendTransient        BackendErrorKind = "transient"
	BackendPermanent        BackendErrorKind = "permanent"
	BackendUnavailable      BackendErrorKind = "unavailable"
)

// BackendError wraps a failure from a storage adapter with its taxonomy kind.
// Only Transient errors are retried by the orchestrator.
type BackendError struct {
	Op   string
	Kind BackendErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Op, e.Kind)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient reports whether a retry might succeed.
func (e *BackendError) Transient() bool { return e.Kind == BackendTransient }

// NewBackendError builds a BackendError for the given operation.
func NewBackendError(op string, kind BackendErrorKind, err error) *BackendError {
	return &BackendError{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a transient
// backend error.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient()
	}
	return false
}

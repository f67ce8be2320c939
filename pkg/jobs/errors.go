package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed
	// component (store, queue, pool).
	ErrClosed = errors.New("jobs: closed")

	// ErrQueueFull is returned by Queue.Enqueue when the admission queue is
	// at capacity. The orchestrator surfaces it as QuotaExceededError.
	ErrQueueFull = errors.New("jobs: queue full")
)

// NotFoundError indicates a job (or related resource) does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError for the given resource and ID.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// ValidationError indicates malformed or disallowed parameters at creation.
// Validation failures are returned synchronously; the job is never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// QuotaScope identifies which bound a QuotaExceededError hit.
type QuotaScope string

// Quota scopes.
const (
	QuotaPerUser QuotaScope = "per_user"
	QuotaSystem  QuotaScope = "system"
	QuotaQueue   QuotaScope = "queue"
)

// QuotaExceededError indicates that admitting the job would exceed a
// configured concurrency bound. The job is never enqueued.
type QuotaExceededError struct {
	Scope QuotaScope
	Limit int
}

// NewQuotaExceededError creates a QuotaExceededError for the given scope.
func NewQuotaExceededError(scope QuotaScope, limit int) *QuotaExceededError {
	return &QuotaExceededError{Scope: scope, Limit: limit}
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit of %d active jobs reached", e.Scope, e.Limit)
}

// IsQuotaExceeded reports whether err is a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

// ConflictError indicates a compare-and-set failed because the record
// changed under the writer. Callers re-read and retry or give up.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

// NewConflictError creates a ConflictError for the given job and versions.
func NewConflictError(id string, expected, actual int64) *ConflictError {
	return &ConflictError{ID: id, Expected: expected, Actual: actual}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %q version conflict: expected %d, found %d", e.ID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// AlreadyTerminalError indicates a lifecycle call on a job that has already
// reached a terminal state.
type AlreadyTerminalError struct {
	ID     string
	Status JobStatus
}

// NewAlreadyTerminalError creates an AlreadyTerminalError.
func NewAlreadyTerminalError(id string, status JobStatus) *AlreadyTerminalError {
	return &AlreadyTerminalError{ID: id, Status: status}
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("job %q is already %s", e.ID, e.Status)
}

// IsAlreadyTerminal reports whether err is an AlreadyTerminalError.
func IsAlreadyTerminal(err error) bool {
	var target *AlreadyTerminalError
	return errors.As(err, &target)
}

// StillRunningError indicates a delete on a job that has not reached a
// terminal state.
type StillRunningError struct {
	ID     string
	Status JobStatus
}

// NewStillRunningError creates a StillRunningError.
func NewStillRunningError(id string, status JobStatus) *StillRunningError {
	return &StillRunningError{ID: id, Status: status}
}

func (e *StillRunningError) Error() string {
	return fmt.Sprintf("job %q is %s and cannot be deleted", e.ID, e.Status)
}

// IsStillRunning reports whether err is a StillRunningError.
func IsStillRunning(err error) bool {
	var target *StillRunningError
	return errors.As(err, &target)
}

// NotReadyError indicates an artifact retrieval on a job that has not
// completed.
type NotReadyError struct {
	ID     string
	Status JobStatus
}

// NewNotReadyError creates a NotReadyError.
func NewNotReadyError(id string, status JobStatus) *NotReadyError {
	return &NotReadyError{ID: id, Status: status}
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job %q is %s; artifact is not available", e.ID, e.Status)
}

// IsNotReady reports whether err is a NotReadyError.
func IsNotReady(err error) bool {
	var target *NotReadyError
	return errors.As(err, &target)
}

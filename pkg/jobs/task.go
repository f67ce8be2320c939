package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ProgressSink receives progress checkpoints from a running task body.
//
// Tasks report at coarse, meaningful checkpoints (e.g. percentage of records
// processed). The harness clamps reported values to the monotonic 0-100
// invariant before persisting or publishing them.
type ProgressSink interface {
	Report(progress int, hint string)
}

// Task is a kind-specific job body. Implementations plug export and backup
// logic into the uniform execution harness without the harness knowing
// format or scope details.
//
// Run executes the work described by job.Params, reporting progress through
// sink and writing output to the artifact store it was constructed with.
// The context carries the cooperative cancellation signal: Run must observe
// ctx.Done() before each major phase and on a timer during long phases, and
// return ctx.Err() promptly when cancelled.
//
// On success Run returns the artifact handle. On failure it returns a
// *TaskError classifying the cause; unclassified errors are treated as
// permanent.
type Task interface {
	Kind() JobKind
	Run(ctx context.Context, job *Job, sink ProgressSink) (*ArtifactRef, error)
}

// TaskError is a classified task-body failure. Transient causes are retried
// by the harness a bounded number of times with backoff; permanent causes
// fail the job immediately.
type TaskError struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a retryable TaskError.
func NewTransientError(code, message string, err error) *TaskError {
	return &TaskError{Class: ErrorTransient, Code: code, Message: message, Err: err}
}

// NewPermanentError creates a non-retryable TaskError.
func NewPermanentError(code, message string, err error) *TaskError {
	return &TaskError{Class: ErrorPermanent, Code: code, Message: message, Err: err}
}

// Classify extracts the error class from a task failure. Errors that are
// not TaskErrors are conservatively treated as permanent: retrying an
// unknown failure mode risks repeating side effects.
func Classify(err error) ErrorClass {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Class
	}
	return ErrorPermanent
}

// Registry maps job kinds to their task bodies.
type Registry struct {
	mu    sync.RWMutex
	tasks map[JobKind]Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[JobKind]Task)}
}

// Register adds a task body for its kind, replacing any previous one.
func (r *Registry) Register(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Kind()] = t
}

// Get returns the task body for a kind.
func (r *Registry) Get(kind JobKind) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[kind]
	return t, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]JobKind, 0, len(r.tasks))
	for k := range r.tasks {
		kinds = append(kinds, k)
	}
	return kinds
}

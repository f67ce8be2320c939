// Package jobs implements the asynchronous job engine behind data exports
// and system backups: a durable job record store, a bounded FIFO admission
// queue, a fixed-size worker pool with cooperative cancellation and bounded
// retry, and an in-process progress reporter.
//
// The engine is consumed exclusively through the Orchestrator facade. The
// HTTP layer, authentication, and business-entity persistence live outside
// this package and interact with it only via Orchestrator operations.
package jobs

import (
	"time"
)

// JobKind discriminates the parameter shape and task body of a job.
type JobKind string

// Supported job kinds.
const (
	KindExport JobKind = "export"
	KindBackup JobKind = "backup"
)

// IsValid checks if the JobKind is a known kind.
func (k JobKind) IsValid() bool {
	return k == KindExport || k == KindBackup
}

// JobStatus represents the lifecycle state of a job.
//
// Transitions (exhaustive):
//
//	pending --worker acquires--> running
//	pending --cancel request---> cancelled
//	running --task succeeds----> completed
//	running --task fails-------> failed
//	running --cancel observed--> cancelled
//
// completed, failed and cancelled are terminal.
type JobStatus string

// Valid job statuses.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// String returns the string representation of the JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid checks if the JobStatus is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExportFormat is the output format of an export job.
type ExportFormat string

// Supported export formats.
const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
	FormatXLSX ExportFormat = "xlsx"
)

// IsValid checks if the ExportFormat is supported.
func (f ExportFormat) IsValid() bool {
	return f == FormatCSV || f == FormatJSON || f == FormatXLSX
}

// BackupScope selects what a backup job captures.
type BackupScope string

// Supported backup scopes.
const (
	ScopeFull        BackupScope = "full"
	ScopeIncremental BackupScope = "incremental"
	ScopeDatabase    BackupScope = "database"
	ScopeFiles       BackupScope = "files"
)

// IsValid checks if the BackupScope is supported.
func (s BackupScope) IsValid() bool {
	switch s {
	case ScopeFull, ScopeIncremental, ScopeDatabase, ScopeFiles:
		return true
	default:
		return false
	}
}

// DateRange bounds the records included in an export. Zero values mean
// unbounded on that side.
type DateRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// ExportParams configures an export job. Immutable once the job starts.
type ExportParams struct {
	// DataTypes lists the entity collections to export (e.g. "users",
	// "submissions", "grades"). Must be non-empty.
	DataTypes []string `json:"data_types"`

	// Format is the output format (csv, json, xlsx).
	Format ExportFormat `json:"format"`

	// Range restricts exported records by their timestamp.
	Range DateRange `json:"range,omitzero"`

	// Filters are optional field=value equality filters applied per record.
	Filters map[string]string `json:"filters,omitempty"`

	// Compress wraps the output in gzip.
	Compress bool `json:"compress,omitempty"`
}

// BackupParams configures a backup job. Immutable once the job starts.
type BackupParams struct {
	// Scope selects what to capture (full, incremental, database, files).
	Scope BackupScope `json:"scope"`

	// Encrypt encrypts the archive with the configured age recipient.
	Encrypt bool `json:"encrypt,omitempty"`
}

// Params is the tagged parameter bag for a job. Exactly one of the fields
// is set, matching the job's Kind.
type Params struct {
	Export *ExportParams `json:"export,omitempty"`
	Backup *BackupParams `json:"backup,omitempty"`
}

// ErrorClass separates task failures the harness may retry from those it
// must not.
type ErrorClass string

// Task failure classes.
const (
	// ErrorTransient marks failures plausibly resolved by retry, such as a
	// temporary I/O failure reaching the artifact store.
	ErrorTransient ErrorClass = "transient"

	// ErrorPermanent marks failures that retrying cannot fix, such as an
	// unsupported parameter combination discovered mid-run.
	ErrorPermanent ErrorClass = "permanent"
)

// JobError is the structured cause recorded on a failed job.
type JobError struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`

	// Attempts is the number of task attempts made before giving up.
	Attempts int `json:"attempts"`
}

// ArtifactRef is the handle to a completed job's output in the artifact
// store, plus its size.
type ArtifactRef struct {
	Ref       string `json:"ref"`
	SizeBytes int64  `json:"size_bytes"`
}

// Job is the durable record of a single unit of asynchronous work.
//
// Invariants maintained by the engine:
//   - Progress is monotonically non-decreasing while running.
//   - Exactly one of Error/Artifact is set, and only in the failed/completed
//     terminal states respectively.
//   - A cancelled job never later becomes completed or failed.
//   - Version increases by one on every persisted mutation; all writers use
//     compare-and-set on Version (see RecordStore.Apply).
type Job struct {
	ID     string    `json:"id"`
	Kind   JobKind   `json:"kind"`
	Params Params    `json:"params"`
	Status JobStatus `json:"status"`

	// Progress is 0-100 while running; meaningless otherwise.
	Progress int `json:"progress"`

	// RequestedBy identifies the initiating principal. Opaque to the engine;
	// authorization happens in the excluded HTTP layer.
	RequestedBy string `json:"requested_by"`

	// CancelRequested is set by the orchestrator when a running job is asked
	// to stop. The owning worker observes it cooperatively and performs the
	// terminal transition.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Error is set only when Status is failed.
	Error *JobError `json:"error,omitempty"`

	// Artifact is set only when Status is completed.
	Artifact *ArtifactRef `json:"artifact,omitempty"`

	// Attempts counts task executions, including retries of transient
	// failures.
	Attempts int `json:"attempts,omitempty"`

	// Version is the optimistic-concurrency sequence number.
	Version int64 `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Filter specifies criteria for listing jobs.
type Filter struct {
	// Status filters by job status (empty = all).
	Status JobStatus

	// Kind filters by job kind (empty = all).
	Kind JobKind

	// RequestedBy filters by initiating principal (empty = all).
	RequestedBy string

	// CreatedAfter / CreatedBefore bound the creation time (zero = unbounded).
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Limit and Offset apply offset pagination in List (0 = no limit).
	Limit  int
	Offset int
}

// Matches reports whether the job satisfies every set criterion.
func (f Filter) Matches(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.RequestedBy != "" && j.RequestedBy != f.RequestedBy {
		return false
	}
	if !f.CreatedAfter.IsZero() && !j.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Updates specifies fields to change in a job record.
//
// Only non-nil fields are applied (partial update). Pointers distinguish
// "set to zero value" from "not set".
type Updates struct {
	Status          *JobStatus   `json:"status,omitempty"`
	Progress        *int         `json:"progress,omitempty"`
	CancelRequested *bool        `json:"cancel_requested,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	Error           *JobError    `json:"error,omitempty"`
	Artifact        *ArtifactRef `json:"artifact,omitempty"`
	Attempts        *int         `json:"attempts,omitempty"`
}

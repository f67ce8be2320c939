package jobs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/audit"
)

// Quotas bound the number of concurrently active (pending+running) jobs.
// Exceeding a bound fails CreateJob synchronously; nothing is enqueued.
type Quotas struct {
	// MaxActivePerUser caps active jobs per requesting principal.
	MaxActivePerUser int

	// MaxActiveTotal caps active jobs system-wide.
	MaxActiveTotal int
}

func (q Quotas) withDefaults() Quotas {
	if q.MaxActivePerUser <= 0 {
		q.MaxActivePerUser = 4
	}
	if q.MaxActiveTotal <= 0 {
		q.MaxActiveTotal = 16
	}
	return q
}

// CreateRequest is a job creation request from the external interface.
type CreateRequest struct {
	Kind        JobKind `json:"kind"`
	Params      Params  `json:"params"`
	RequestedBy string  `json:"requested_by"`
}

// ArtifactHandle is the download handle returned for a completed job.
type ArtifactHandle struct {
	Ref       string
	SizeBytes int64
	Content   io.ReadCloser
}

// Orchestrator is the engine facade. It accepts job creation requests,
// enforces quotas, drives lifecycle transitions, and owns artifact deletion.
//
// All external mutation of job records flows through here; workers mutate
// only the jobs they own.
type Orchestrator struct {
	store     RecordStore
	queue     *Queue
	artifacts artifact.Store
	reporter  *Reporter
	pool      *Pool
	quotas    Quotas
	auditor   audit.Logger
	logger    zerolog.Logger

	// admitMu serializes admission so the quota check and the record
	// create are atomic with respect to concurrent CreateJob calls.
	admitMu sync.Mutex
}

// NewOrchestrator wires the engine facade over its collaborators. A nil
// auditor disables audit events.
func NewOrchestrator(store RecordStore, queue *Queue, artifacts artifact.Store, reporter *Reporter, pool *Pool, quotas Quotas, auditor audit.Logger) *Orchestrator {
	if auditor == nil {
		auditor = audit.NopLogger{}
	}
	return &Orchestrator{
		store:     store,
		queue:     queue,
		artifacts: artifacts,
		reporter:  reporter,
		pool:      pool,
		quotas:    quotas.withDefaults(),
		auditor:   auditor,
		logger:    log.With().Str("component", "orchestrator").Logger(),
	}
}

// CreateJob validates the request, enforces quotas, persists the job as
// pending and admits it to the queue.
//
// Returns ValidationError for malformed parameters and QuotaExceededError
// when a concurrency bound (per user, system-wide, or queue capacity) is
// reached. One durable record is created on success.
func (o *Orchestrator) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	userActive, totalActive, err := o.store.CountActive(ctx, req.RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("count active jobs: %w", err)
	}
	if userActive >= o.quotas.MaxActivePerUser {
		return nil, NewQuotaExceededError(QuotaPerUser, o.quotas.MaxActivePerUser)
	}
	if totalActive >= o.quotas.MaxActiveTotal {
		return nil, NewQuotaExceededError(QuotaSystem, o.quotas.MaxActiveTotal)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Params:      req.Params,
		Status:      StatusPending,
		RequestedBy: req.RequestedBy,
		CreatedAt:   time.Now().UTC(),
	}

	if err := o.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := o.queue.Enqueue(job.ID); err != nil {
		// Roll the record back; the job was never admitted.
		if derr := o.store.Delete(ctx, job.ID); derr != nil {
			o.logger.Error().Str("job_id", job.ID).Err(derr).Msg("failed to roll back unadmitted job")
		}
		if err == ErrQueueFull {
			return nil, NewQuotaExceededError(QuotaQueue, o.queue.Len())
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("requested_by", job.RequestedBy).
		Msg("job created")
	o.audit(ctx, req.RequestedBy, "job.create", job.ID, map[string]any{"kind": job.Kind})

	return job, nil
}

// GetJob returns the job record. Read-only, idempotent.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*Job, error) {
	return o.store.Get(ctx, id)
}

// ListJobs returns a page of jobs matching the filter, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, filter Filter, cursor string, limit int) ([]*Job, string, int, error) {
	return o.store.ListPaginated(ctx, filter, cursor, limit)
}

// CancelJob requests cancellation.
//
// A pending job transitions to cancelled synchronously; its queue entry is
// invalidated lazily (a worker that dequeues it fails the pending->running
// compare-and-set and skips it). A running job gets a persisted cancel
// request plus an in-process signal; the owning worker performs the actual
// transition at its next checkpoint, so callers must poll for the terminal
// state. Terminal jobs yield AlreadyTerminalError.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	for {
		job, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case job.Status.IsTerminal():
			return NewAlreadyTerminalError(id, job.Status)

		case job.Status == StatusPending:
			cancelled := StatusCancelled
			now := time.Now().UTC()
			_, err := o.store.Apply(ctx, id, job.Version, Updates{Status: &cancelled, CompletedAt: &now})
			if IsConflict(err) {
				// A worker acquired it in the meantime; retry as running.
				continue
			}
			if err != nil {
				return err
			}
			o.reporter.Publish(Update{JobID: id, Progress: job.Progress, Hint: StatusCancelled.String()})
			o.logger.Info().Str("job_id", id).Msg("pending job cancelled")
			o.audit(ctx, job.RequestedBy, "job.cancel", id, nil)
			return nil

		default: // running
			if !job.CancelRequested {
				requested := true
				_, err := o.store.Apply(ctx, id, job.Version, Updates{CancelRequested: &requested})
				if IsConflict(err) {
					// Progress write or terminal transition raced us.
					continue
				}
				if err != nil {
					return err
				}
			}
			if o.pool != nil {
				o.pool.Cancel(id)
			}
			o.logger.Info().Str("job_id", id).Msg("cancellation requested for running job")
			o.audit(ctx, job.RequestedBy, "job.cancel", id, nil)
			return nil
		}
	}
}

// DeleteJob removes a terminal job's record and artifact together.
//
// The artifact is removed first so that a crash between the two deletions
// leaves a record pointing at nothing rather than an orphaned artifact; the
// retention sweep reconciles either leak.
func (o *Orchestrator) DeleteJob(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return NewStillRunningError(id, job.Status)
	}

	if job.Artifact != nil {
		if err := o.artifacts.Delete(ctx, job.Artifact.Ref); err != nil && !artifact.IsNotFound(err) {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}

	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}

	o.reporter.Forget(id)
	o.logger.Info().Str("job_id", id).Msg("job deleted")
	o.audit(ctx, job.RequestedBy, "job.delete", id, nil)
	return nil
}

// RetrieveArtifact returns a download handle for a completed job's output.
//
// Returns NotReadyError unless the job is completed. Partial output from
// failed or cancelled runs is never exposed here.
func (o *Orchestrator) RetrieveArtifact(ctx context.Context, id string) (*ArtifactHandle, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted || job.Artifact == nil {
		return nil, NewNotReadyError(id, job.Status)
	}

	content, err := o.artifacts.Open(ctx, job.Artifact.Ref)
	if err != nil {
		if artifact.IsNotFound(err) {
			return nil, NewNotFoundError("artifact", job.Artifact.Ref)
		}
		return nil, err
	}

	return &ArtifactHandle{
		Ref:       job.Artifact.Ref,
		SizeBytes: job.Artifact.SizeBytes,
		Content:   content,
	}, nil
}

// Progress returns the reporter, for read-side consumers (long-poll or
// streaming transports) to subscribe by job ID.
func (o *Orchestrator) Progress() *Reporter {
	return o.reporter
}

func (o *Orchestrator) audit(ctx context.Context, actor, action, id string, meta map[string]any) {
	entry := audit.Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: "job",
		ResourceID:   id,
		Metadata:     meta,
	}
	if err := o.auditor.Log(ctx, entry); err != nil {
		o.logger.Warn().Str("action", action).Str("job_id", id).Err(err).Msg("failed to write audit entry")
	}
}

// validateRequest applies kind-specific parameter rules at creation time,
// so malformed requests never reach the queue.
func validateRequest(req CreateRequest) error {
	if !req.Kind.IsValid() {
		return NewValidationError("kind", fmt.Sprintf("unknown job kind %q", req.Kind))
	}
	if req.RequestedBy == "" {
		return NewValidationError("requested_by", "requesting principal is required")
	}

	switch req.Kind {
	case KindExport:
		p := req.Params.Export
		if p == nil {
			return NewValidationError("params.export", "export parameters are required")
		}
		if req.Params.Backup != nil {
			return NewValidationError("params.backup", "backup parameters are not allowed for export jobs")
		}
		if len(p.DataTypes) == 0 {
			return NewValidationError("params.export.data_types", "at least one data type is required")
		}
		for _, dt := range p.DataTypes {
			if dt == "" {
				return NewValidationError("params.export.data_types", "data types must be non-empty")
			}
		}
		if !p.Format.IsValid() {
			return NewValidationError("params.export.format", fmt.Sprintf("unsupported format %q", p.Format))
		}
		if !p.Range.From.IsZero() && !p.Range.To.IsZero() && p.Range.To.Before(p.Range.From) {
			return NewValidationError("params.export.range", "range end precedes range start")
		}

	case KindBackup:
		p := req.Params.Backup
		if p == nil {
			return NewValidationError("params.backup", "backup parameters are required")
		}
		if req.Params.Export != nil {
			return NewValidationError("params.export", "export parameters are not allowed for backup jobs")
		}
		if !p.Scope.IsValid() {
			return NewValidationError("params.backup.scope", fmt.Sprintf("unsupported scope %q", p.Scope))
		}
	}

	return nil
}

package jobs

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/audit"
)

// RetentionConfig bounds how long terminal jobs and their artifacts are
// kept.
type RetentionConfig struct {
	// MaxAgeDays deletes terminal jobs older than this many days (0 = no
	// age limit).
	MaxAgeDays int `koanf:"max_age_days"`

	// MaxJobs caps the number of retained terminal jobs; the oldest are
	// deleted first (0 = no count limit).
	MaxJobs int `koanf:"max_jobs"`
}

// IsEnabled reports whether any retention bound is configured.
func (c RetentionConfig) IsEnabled() bool {
	return c.MaxAgeDays > 0 || c.MaxJobs > 0
}

// orphanGracePeriod is how old an unreferenced artifact must be before the
// sweep considers it leaked rather than in flight.
const orphanGracePeriod = time.Hour

// SweepOptions configures a retention sweep.
type SweepOptions struct {
	// DryRun reports what would be deleted without deleting it.
	DryRun bool

	// Retention overrides the sweeper's configured policy when non-nil.
	Retention *RetentionConfig
}

// SweepResult reports what a retention sweep removed.
type SweepResult struct {
	// JobsDeleted is the number of job records removed.
	JobsDeleted int

	// DeletedJobIDs lists the removed job IDs.
	DeletedJobIDs []string

	// OrphansDeleted is the number of artifacts removed that no job record
	// referenced.
	OrphansDeleted int

	// BytesFreed is the approximate number of artifact bytes freed.
	BytesFreed int64

	// Errors collects per-item failures; the sweep continues past them.
	Errors []error
}

// Sweeper enforces retention: expired terminal jobs are deleted together
// with their artifacts, and orphaned artifacts (left by a crash between a
// record delete and an artifact delete, or by partial-output cleanup
// failures) are reconciled.
//
// Running jobs and their would-be outputs are never touched.
type Sweeper struct {
	store     RecordStore
	artifacts artifact.Store
	retention RetentionConfig
	auditor   audit.Logger
	grace     time.Duration
}

// NewSweeper creates a retention sweeper. A nil auditor disables audit
// events.
func NewSweeper(store RecordStore, artifacts artifact.Store, retention RetentionConfig, auditor audit.Logger) *Sweeper {
	if auditor == nil {
		auditor = audit.NopLogger{}
	}
	return &Sweeper{store: store, artifacts: artifacts, retention: retention, auditor: auditor, grace: orphanGracePeriod}
}

// Sweep performs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context, opts SweepOptions) (*SweepResult, error) {
	retention := s.retention
	if opts.Retention != nil {
		retention = *opts.Retention
	}

	result := &SweepResult{
		DeletedJobIDs: make([]string, 0),
		Errors:        make([]error, 0),
	}

	all, err := s.store.List(ctx, Filter{})
	if err != nil {
		return result, fmt.Errorf("list jobs: %w", err)
	}

	if retention.IsEnabled() {
		s.sweepExpired(ctx, all, retention, opts.DryRun, result)
	}
	if err := s.sweepOrphans(ctx, all, opts.DryRun, result); err != nil {
		return result, err
	}

	if !opts.DryRun && (result.JobsDeleted > 0 || result.OrphansDeleted > 0) {
		entry := audit.Entry{
			Actor:        "system",
			Action:       "retention.sweep",
			ResourceType: "job",
			Metadata: map[string]any{
				"jobs_deleted":    result.JobsDeleted,
				"orphans_deleted": result.OrphansDeleted,
				"bytes_freed":     result.BytesFreed,
			},
		}
		_ = s.auditor.Log(ctx, entry)
	}

	return result, nil
}

func (s *Sweeper) sweepExpired(ctx context.Context, all []*Job, retention RetentionConfig, dryRun bool, result *SweepResult) {
	terminal := make([]*Job, 0, len(all))
	for _, j := range all {
		if j.Status.IsTerminal() {
			terminal = append(terminal, j)
		}
	}

	// Oldest first.
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})

	toDelete := make([]string, 0)

	if retention.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retention.MaxAgeDays)
		for _, j := range terminal {
			if j.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, j.ID)
			}
		}
	}

	if retention.MaxJobs > 0 {
		remaining := make([]*Job, 0, len(terminal))
		for _, j := range terminal {
			if !slices.Contains(toDelete, j.ID) {
				remaining = append(remaining, j)
			}
		}
		if len(remaining) > retention.MaxJobs {
			excess := len(remaining) - retention.MaxJobs
			for i := range excess {
				toDelete = append(toDelete, remaining[i].ID)
			}
		}
	}

	byID := make(map[string]*Job, len(terminal))
	for _, j := range terminal {
		byID[j.ID] = j
	}

	for _, id := range toDelete {
		job := byID[id]
		if dryRun {
			result.DeletedJobIDs = append(result.DeletedJobIDs, id)
			result.JobsDeleted++
			continue
		}

		if job.Artifact != nil {
			if err := s.artifacts.Delete(ctx, job.Artifact.Ref); err != nil && !artifact.IsNotFound(err) {
				result.Errors = append(result.Errors, fmt.Errorf("delete artifact %s: %w", job.Artifact.Ref, err))
				continue
			}
			result.BytesFreed += job.Artifact.SizeBytes
		}
		if err := s.store.Delete(ctx, id); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete job %s: %w", id, err))
			continue
		}
		result.DeletedJobIDs = append(result.DeletedJobIDs, id)
		result.JobsDeleted++
	}
}

// sweepOrphans removes artifacts no job record references.
func (s *Sweeper) sweepOrphans(ctx context.Context, all []*Job, dryRun bool, result *SweepResult) error {
	// Jobs removed earlier in this pass no longer hold a reference. In
	// dry-run nothing was actually removed, so those references still
	// stand and their artifacts are counted once, as job deletions.
	referenced := make(map[string]struct{}, len(all))
	for _, j := range all {
		if j.Artifact == nil {
			continue
		}
		if !dryRun && slices.Contains(result.DeletedJobIDs, j.ID) {
			continue
		}
		referenced[j.Artifact.Ref] = struct{}{}
	}

	infos, err := s.artifacts.List(ctx)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}

	// Grace period keeps the sweep from racing a worker that has stored an
	// artifact but not yet finalized the job record.
	cutoff := time.Now().Add(-s.grace)

	for _, info := range infos {
		if _, ok := referenced[info.Ref]; ok {
			continue
		}
		if info.CreatedAt.After(cutoff) {
			continue
		}
		result.OrphansDeleted++
		if dryRun {
			continue
		}
		if err := s.artifacts.Delete(ctx, info.Ref); err != nil && !artifact.IsNotFound(err) {
			result.Errors = append(result.Errors, fmt.Errorf("delete orphan %s: %w", info.Ref, err))
			result.OrphansDeleted--
			continue
		}
		result.BytesFreed += info.SizeBytes
	}

	return nil
}

package api

import (
	"sync/atomic"

	"github.com/gradeworks/gradeworks/pkg/jobs"
)

// Deps holds dependencies for API handlers.
// This pattern enables dependency injection and easier testing.
type Deps struct {
	// Engine is the job orchestrator backing every job endpoint.
	Engine *jobs.Orchestrator

	// Ready flag for readiness check
	Ready *atomic.Bool
}

// JobSummary represents a job list item.
type JobSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	CreatedAt string `json:"created_at"`
}

// JobDetail represents full job details.
type JobDetail struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Params      jobs.Params     `json:"params"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	RequestedBy string          `json:"requested_by"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	Error       *jobs.JobError  `json:"error,omitempty"`
	Artifact    *ArtifactRefDTO `json:"artifact,omitempty"`
}

// ArtifactRefDTO describes a completed job's artifact.
type ArtifactRefDTO struct {
	Ref       string `json:"ref"`
	SizeBytes int64  `json:"size_bytes"`
}

const timeFormat = "2006-01-02T15:04:05Z"

// ToJobSummary converts a job record to its list representation.
func ToJobSummary(j *jobs.Job) JobSummary {
	return JobSummary{
		ID:        j.ID,
		Kind:      string(j.Kind),
		Status:    string(j.Status),
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt.UTC().Format(timeFormat),
	}
}

// ToJobDetail converts a job record to its detail representation.
func ToJobDetail(j *jobs.Job) *JobDetail {
	detail := &JobDetail{
		ID:          j.ID,
		Kind:        string(j.Kind),
		Params:      j.Params,
		Status:      string(j.Status),
		Progress:    j.Progress,
		RequestedBy: j.RequestedBy,
		CreatedAt:   j.CreatedAt.UTC().Format(timeFormat),
		Attempts:    j.Attempts,
		Error:       j.Error,
	}
	if !j.StartedAt.IsZero() {
		detail.StartedAt = j.StartedAt.UTC().Format(timeFormat)
	}
	if !j.CompletedAt.IsZero() {
		detail.CompletedAt = j.CompletedAt.UTC().Format(timeFormat)
	}
	if j.Artifact != nil {
		detail.Artifact = &ArtifactRefDTO{
			Ref:       j.Artifact.Ref,
			SizeBytes: j.Artifact.SizeBytes,
		}
	}
	return detail
}

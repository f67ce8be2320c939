package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gradeworks/gradeworks/pkg/jobs"
	"github.com/gradeworks/gradeworks/pkg/server/api"
)

// DTO Evolution Policy
// The request/response payloads handled in this file are part of the public API
// contract. To evolve them safely without breaking existing clients:
//
// 1) Additive-only changes
//    - You MAY add new optional fields
//    - You MAY NOT remove or rename existing fields
//    - Breaking changes require a new API version (v2)
//
// 2) Zero-value semantics
//    - New fields MUST have safe zero-value behavior
//    - Prefer `omitempty` for optional JSON fields to preserve old behavior

// CreateJobHandler handles POST /api/v1/jobs
//
// Accepts a job submission and returns the accepted record:
//
//	{
//	  "kind": "export",
//	  "params": {"export": {"data_types": ["submissions"], "format": "csv"}},
//	  "requested_by": "admin-7"
//	}
//
// Returns 202 Accepted with the pending job on success, 400 on invalid
// parameters and 429 when an admission quota or the queue is full.
func CreateJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_BODY", "request body is not valid JSON")
			return
		}

		job, err := deps.Engine.CreateJob(r.Context(), req)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		api.WriteJSON(w, http.StatusAccepted, api.ToJobDetail(job))
	}
}

// ListJobsQuery holds the parsed query parameters for ListJobsHandler.
type ListJobsQuery struct {
	Status string
	Kind   string
	User   string
	Limit  int
	Cursor string
}

// ParseListJobsQuery parses and validates list query parameters.
func ParseListJobsQuery(r *http.Request) (ListJobsQuery, error) {
	q := ListJobsQuery{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Kind:   strings.TrimSpace(r.URL.Query().Get("kind")),
		User:   strings.TrimSpace(r.URL.Query().Get("requested_by")),
		Cursor: r.URL.Query().Get("cursor"),
	}

	if q.Status != "" && !jobs.JobStatus(q.Status).IsValid() {
		return q, fmt.Errorf("unknown status %q", q.Status)
	}
	if q.Kind != "" && !jobs.JobKind(q.Kind).IsValid() {
		return q, fmt.Errorf("unknown kind %q", q.Kind)
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return q, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		q.Limit = limit
	}

	return q, nil
}

// ListJobsHandler handles GET /api/v1/jobs
//
// Returns paginated job summaries with cursor-based pagination.
//
// Query parameters:
//   - status: Filter by status (pending, running, completed, failed, cancelled)
//   - kind: Filter by kind (export, backup)
//   - requested_by: Filter by initiating principal
//   - limit: Number of results per page (1-100, default 50)
//   - cursor: Pagination cursor (empty for first page)
//
// Response format:
//
//	{
//	  "jobs": [
//	    {"id": "...", "kind": "export", "status": "completed", "progress": 100, "created_at": "..."}
//	  ],
//	  "next_cursor": "eyJpZCI6...",
//	  "total": 12
//	}
func ListJobsHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, qerr := ParseListJobsQuery(r)
		if qerr != nil {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_QUERY", qerr.Error())
			return
		}

		filter := jobs.Filter{
			Status:      jobs.JobStatus(query.Status),
			Kind:        jobs.JobKind(query.Kind),
			RequestedBy: query.User,
		}

		records, nextCursor, total, err := deps.Engine.ListJobs(r.Context(), filter, query.Cursor, query.Limit)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		summaries := make([]api.JobSummary, 0, len(records))
		for _, j := range records {
			summaries = append(summaries, api.ToJobSummary(j))
		}

		api.WriteJSON(w, http.StatusOK, map[string]any{
			"jobs":        summaries,
			"next_cursor": nextCursor,
			"total":       total,
		})
	}
}

// GetJobHandler handles GET /api/v1/jobs/{id}
//
// Returns full job details for a specific job ID. Returns 404 if the job
// does not exist.
func GetJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "JOB_ID_REQUIRED", "job id is required")
			return
		}

		job, err := deps.Engine.GetJob(r.Context(), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		api.WriteJSON(w, http.StatusOK, api.ToJobDetail(job))
	}
}

// CancelJobHandler handles POST /api/v1/jobs/{id}/cancel
//
// Requests cancellation of a job. A pending job is cancelled immediately;
// a running job has cancellation acknowledged and settles asynchronously.
// Cancelling an already terminal job returns 409.
func CancelJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "JOB_ID_REQUIRED", "job id is required")
			return
		}

		if err := deps.Engine.CancelJob(r.Context(), id); err != nil {
			api.WriteError(w, r, err)
			return
		}

		job, err := deps.Engine.GetJob(r.Context(), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		api.WriteJSON(w, http.StatusAccepted, api.ToJobDetail(job))
	}
}

// DeleteJobHandler handles DELETE /api/v1/jobs/{id}
//
// Deletes a terminal job and its artifact. Returns 409 if the job is still
// pending or running.
func DeleteJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "JOB_ID_REQUIRED", "job id is required")
			return
		}

		if err := deps.Engine.DeleteJob(r.Context(), id); err != nil {
			api.WriteError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// GetArtifactHandler handles GET /api/v1/jobs/{id}/artifact
//
// Streams the artifact of a completed job. Returns 409 if the job is not
// completed and 404 if the job or its artifact does not exist.
func GetArtifactHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "JOB_ID_REQUIRED", "job id is required")
			return
		}

		handle, err := deps.Engine.RetrieveArtifact(r.Context(), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		defer handle.Content.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", handle.Ref))
		if handle.SizeBytes > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(handle.SizeBytes, 10))
		}

		// Streaming has started; errors past this point can only be logged
		// by the caller's middleware, the status line is already out.
		_, _ = io.Copy(w, handle.Content)
	}
}

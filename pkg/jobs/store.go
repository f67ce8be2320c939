package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// RecordStore is the durable home of job records.
//
// Thread-safety: all methods must be safe for concurrent use. Mutation goes
// through Apply, which performs an atomic compare-and-set on the record
// version; last-writer-wins updates are not possible through this interface.
type RecordStore interface {
	// Create persists a new job record. The record must have ID, Kind and
	// Status set; Version is initialized to 1.
	//
	// Returns a ValidationError if required fields are missing.
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by ID.
	//
	// Returns NotFoundError if the job does not exist.
	Get(ctx context.Context, id string) (*Job, error)

	// Apply mutates a job record if and only if its current version equals
	// expected. On success the version is incremented by one and the updated
	// record is returned.
	//
	// Returns ConflictError if the version does not match, NotFoundError if
	// the job does not exist.
	Apply(ctx context.Context, id string, expected int64, updates Updates) (*Job, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// ListPaginated returns a page of jobs matching the filter, newest
	// first, using cursor-based pagination. An empty cursor requests the
	// first page; limit is normalized to 1-100 (default 50).
	ListPaginated(ctx context.Context, filter Filter, cursor string, limit int) (page []*Job, nextCursor string, total int, err error)

	// CountActive returns the number of pending+running jobs for the given
	// principal, and system-wide.
	CountActive(ctx context.Context, requestedBy string) (user, total int, err error)

	// Delete removes a job record.
	//
	// Returns NotFoundError if the job does not exist.
	Delete(ctx context.Context, id string) error
}

// LocalRecordStore implements RecordStore using file-based storage.
//
// Storage layout:
//
//	{root}/
//	  {job-id}/
//	    record.json
//
// Concurrent access is protected by per-record file locks; Apply holds the
// write lock across its read-check-write cycle, which makes the version
// compare-and-set atomic across processes.
type LocalRecordStore struct {
	root string
}

// NewLocalRecordStore creates a file-based record store rooted at dir.
func NewLocalRecordStore(dir string) (*LocalRecordStore, error) {
	if dir == "" {
		return nil, NewValidationError("dir", "record store root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record store root: %w", err)
	}
	return &LocalRecordStore{root: dir}, nil
}

// Create persists a new job record.
func (s *LocalRecordStore) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return NewValidationError("id", "job ID is required")
	}
	if !job.Kind.IsValid() {
		return NewValidationError("kind", fmt.Sprintf("unknown job kind %q", job.Kind))
	}
	if !job.Status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", job.Status))
	}

	recordPath := s.recordPath(job.ID)
	if _, err := os.Stat(recordPath); err == nil {
		return fmt.Errorf("job %q already exists", job.ID)
	}

	if err := os.MkdirAll(s.jobDir(job.ID), 0o755); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1

	lock := flock.New(recordPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	return s.write(recordPath, job)
}

// Get retrieves a job by ID.
func (s *LocalRecordStore) Get(ctx context.Context, id string) (*Job, error) {
	recordPath := s.recordPath(id)

	if _, err := os.Stat(recordPath); os.IsNotExist(err) {
		return nil, NewNotFoundError("job", id)
	}

	lock := flock.New(recordPath + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	return s.read(recordPath, id)
}

// Apply mutates a job record under an optimistic version check.
func (s *LocalRecordStore) Apply(ctx context.Context, id string, expected int64, updates Updates) (*Job, error) {
	recordPath := s.recordPath(id)

	if _, err := os.Stat(recordPath); os.IsNotExist(err) {
		return nil, NewNotFoundError("job", id)
	}

	// The write lock spans read, version check and write, so the CAS is
	// atomic even across processes sharing the workspace.
	lock := flock.New(recordPath + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	job, err := s.read(recordPath, id)
	if err != nil {
		return nil, err
	}

	if job.Version != expected {
		return nil, NewConflictError(id, expected, job.Version)
	}

	if updates.Status != nil {
		job.Status = *updates.Status
	}
	if updates.Progress != nil {
		job.Progress = *updates.Progress
	}
	if updates.CancelRequested != nil {
		job.CancelRequested = *updates.CancelRequested
	}
	if updates.StartedAt != nil {
		job.StartedAt = *updates.StartedAt
	}
	if updates.CompletedAt != nil {
		job.CompletedAt = *updates.CompletedAt
	}
	if updates.Error != nil {
		job.Error = updates.Error
	}
	if updates.Artifact != nil {
		job.Artifact = updates.Artifact
	}
	if updates.Attempts != nil {
		job.Attempts = *updates.Attempts
	}

	job.Version++
	job.UpdatedAt = time.Now().UTC()

	if err := s.write(recordPath, job); err != nil {
		return nil, err
	}

	return job, nil
}

// List returns jobs matching the filter, newest first.
func (s *LocalRecordStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	jobs, err := s.loadFiltered(ctx, filter)
	if err != nil {
		return nil, err
	}

	sortJobsByTime(jobs)

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*Job{}, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}

	return jobs, nil
}

// ListPaginated returns a page of jobs using cursor-based pagination.
func (s *LocalRecordStore) ListPaginated(ctx context.Context, filter Filter, cursor string, limit int) ([]*Job, string, int, error) {
	limit = normalizeLimit(limit)

	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", 0, NewValidationError("cursor", err.Error())
	}

	all, err := s.loadFiltered(ctx, filter)
	if err != nil {
		return nil, "", 0, err
	}

	sortJobsByTime(all)

	page, nextCursor := paginateJobs(all, cursorData, limit)
	return page, nextCursor, len(all), nil
}

// CountActive returns pending+running counts for a principal and system-wide.
func (s *LocalRecordStore) CountActive(ctx context.Context, requestedBy string) (int, int, error) {
	all, err := s.loadFiltered(ctx, Filter{})
	if err != nil {
		return 0, 0, err
	}

	var user, total int
	for _, j := range all {
		if j.Status != StatusPending && j.Status != StatusRunning {
			continue
		}
		total++
		if j.RequestedBy == requestedBy {
			user++
		}
	}
	return user, total, nil
}

// Delete removes a job record.
func (s *LocalRecordStore) Delete(ctx context.Context, id string) error {
	jobDir := s.jobDir(id)

	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return NewNotFoundError("job", id)
	}

	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("delete job directory: %w", err)
	}

	return nil
}

func (s *LocalRecordStore) loadFiltered(ctx context.Context, filter Filter) ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Job{}, nil
		}
		return nil, fmt.Errorf("read record store root: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		job, err := s.Get(ctx, entry.Name())
		if err != nil {
			// Skip records with missing or invalid metadata.
			continue
		}

		if filter.Matches(job) {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func (s *LocalRecordStore) read(path, id string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError("job", id)
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job record: %w", err)
	}

	return &job, nil
}

func (s *LocalRecordStore) write(path string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}

	return nil
}

func (s *LocalRecordStore) jobDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *LocalRecordStore) recordPath(id string) string {
	return filepath.Join(s.jobDir(id), "record.json")
}

func sortJobsByTime(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func paginateJobs(jobs []*Job, cursorData *Cursor, limit int) ([]*Job, string) {
	startIdx := 0
	if cursorData != nil {
		for i, j := range jobs {
			if j.ID == cursorData.LastJobID {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := min(startIdx+limit, len(jobs))
	page := jobs[startIdx:endIdx]

	var nextCursor string
	if endIdx < len(jobs) && len(page) > 0 {
		last := page[len(page)-1]
		nextCursor = EncodeCursor(&Cursor{
			LastJobID: last.ID,
			LastTime:  last.CreatedAt.UnixNano(),
		})
	}

	return page, nextCursor
}

package jobs

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gradeworks/gradeworks/pkg/artifact"
)

func exportRequest(user string) CreateRequest {
	return CreateRequest{
		Kind: KindExport,
		Params: Params{Export: &ExportParams{
			DataTypes: []string{"users"},
			Format:    FormatCSV,
		}},
		RequestedBy: user,
	}
}

// newEngine wires an orchestrator without a running pool: created jobs stay
// pending, which makes quota and lifecycle edges deterministic.
func newEngine(t *testing.T, quotas Quotas, queueCap int) (*Orchestrator, *LocalRecordStore, *artifact.LocalStore) {
	t.Helper()

	store, err := NewLocalRecordStore(t.TempDir())
	require.NoError(t, err)
	artifacts, err := artifact.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	queue := NewQueue(queueCap)
	reporter := NewReporter()

	engine := NewOrchestrator(store, queue, artifacts, reporter, nil, quotas, nil)
	return engine, store, artifacts
}

func TestCreateJob_Validation(t *testing.T) {
	engine, _, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{
			name:  "unknown kind",
			req:   CreateRequest{Kind: "restore", RequestedBy: "a"},
			field: "kind",
		},
		{
			name:  "missing principal",
			req:   CreateRequest{Kind: KindExport, Params: Params{Export: &ExportParams{DataTypes: []string{"u"}, Format: FormatCSV}}},
			field: "requested_by",
		},
		{
			name:  "export without params",
			req:   CreateRequest{Kind: KindExport, RequestedBy: "a"},
			field: "params.export",
		},
		{
			name: "export with backup params",
			req: CreateRequest{
				Kind: KindExport,
				Params: Params{
					Export: &ExportParams{DataTypes: []string{"u"}, Format: FormatCSV},
					Backup: &BackupParams{Scope: ScopeFull},
				},
				RequestedBy: "a",
			},
			field: "params.backup",
		},
		{
			name: "export with no data types",
			req: CreateRequest{
				Kind:        KindExport,
				Params:      Params{Export: &ExportParams{Format: FormatCSV}},
				RequestedBy: "a",
			},
			field: "params.export.data_types",
		},
		{
			name: "export with empty data type",
			req: CreateRequest{
				Kind:        KindExport,
				Params:      Params{Export: &ExportParams{DataTypes: []string{"users", ""}, Format: FormatCSV}},
				RequestedBy: "a",
			},
			field: "params.export.data_types",
		},
		{
			name: "export with bad format",
			req: CreateRequest{
				Kind:        KindExport,
				Params:      Params{Export: &ExportParams{DataTypes: []string{"u"}, Format: "pdf"}},
				RequestedBy: "a",
			},
			field: "params.export.format",
		},
		{
			name: "export with inverted range",
			req: CreateRequest{
				Kind: KindExport,
				Params: Params{Export: &ExportParams{
					DataTypes: []string{"u"},
					Format:    FormatCSV,
					Range: DateRange{
						From: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
						To:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
					},
				}},
				RequestedBy: "a",
			},
			field: "params.export.range",
		},
		{
			name:  "backup without params",
			req:   CreateRequest{Kind: KindBackup, RequestedBy: "a"},
			field: "params.backup",
		},
		{
			name: "backup with bad scope",
			req: CreateRequest{
				Kind:        KindBackup,
				Params:      Params{Backup: &BackupParams{Scope: "weekly"}},
				RequestedBy: "a",
			},
			field: "params.backup.scope",
		},
		{
			name: "backup with export params",
			req: CreateRequest{
				Kind: KindBackup,
				Params: Params{
					Backup: &BackupParams{Scope: ScopeFull},
					Export: &ExportParams{DataTypes: []string{"u"}, Format: FormatCSV},
				},
				RequestedBy: "a",
			},
			field: "params.export",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CreateJob(ctx, tt.req)
			require.Error(t, err)
			require.True(t, IsValidation(err))

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateJob_PersistsAndEnqueues(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("admin-1"))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, int64(1), job.Version)

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, stored.ID)
}

func TestCreateJob_PerUserQuotaBoundary(t *testing.T) {
	const limit = 3
	engine, _, _ := newEngine(t, Quotas{MaxActivePerUser: limit, MaxActiveTotal: 100}, 32)
	ctx := context.Background()

	// Exactly the limit is admitted.
	for range limit {
		_, err := engine.CreateJob(ctx, exportRequest("alice"))
		require.NoError(t, err)
	}

	// The K+1th is rejected, with nothing persisted.
	_, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.Error(t, err)
	require.True(t, IsQuotaExceeded(err))

	var qerr *QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, QuotaPerUser, qerr.Scope)
	require.Equal(t, limit, qerr.Limit)

	// Another principal is unaffected.
	_, err = engine.CreateJob(ctx, exportRequest("bob"))
	require.NoError(t, err)
}

func TestCreateJob_QuotaFreesAfterTerminal(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{MaxActivePerUser: 1, MaxActiveTotal: 100}, 32)
	ctx := context.Background()

	first, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	_, err = engine.CreateJob(ctx, exportRequest("alice"))
	require.True(t, IsQuotaExceeded(err))

	// Terminal jobs stop counting.
	completed := StatusCompleted
	_, err = store.Apply(ctx, first.ID, 1, Updates{Status: &completed})
	require.NoError(t, err)

	_, err = engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)
}

func TestCreateJob_SystemQuota(t *testing.T) {
	engine, _, _ := newEngine(t, Quotas{MaxActivePerUser: 10, MaxActiveTotal: 2}, 32)
	ctx := context.Background()

	_, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)
	_, err = engine.CreateJob(ctx, exportRequest("bob"))
	require.NoError(t, err)

	_, err = engine.CreateJob(ctx, exportRequest("carol"))
	require.True(t, IsQuotaExceeded(err))

	var qerr *QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, QuotaSystem, qerr.Scope)
}

func TestCreateJob_ConcurrentAdmissionHoldsQuota(t *testing.T) {
	const attempts = 8
	engine, store, _ := newEngine(t, Quotas{MaxActivePerUser: 1, MaxActiveTotal: 100}, 32)
	ctx := context.Background()

	// All creates race through admission at once; the quota check and the
	// record create must be atomic for the bound to hold.
	start := make(chan struct{})
	errs := make(chan error, attempts)

	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := engine.CreateJob(ctx, exportRequest("alice"))
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var admitted, rejected int
	for err := range errs {
		switch {
		case err == nil:
			admitted++
		case IsQuotaExceeded(err):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, attempts-1, rejected)

	// Exactly one durable record exists.
	records, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestCreateJob_QueueFullRollsBack(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{MaxActivePerUser: 100, MaxActiveTotal: 100}, 1)
	ctx := context.Background()

	_, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	_, err = engine.CreateJob(ctx, exportRequest("alice"))
	require.True(t, IsQuotaExceeded(err))

	var qerr *QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, QuotaQueue, qerr.Scope)

	// The rejected job left no record behind.
	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetJob(t *testing.T) {
	engine, _, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	got, err := engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)

	_, err = engine.GetJob(ctx, "missing")
	require.True(t, IsNotFound(err))
}

func TestCancelJob_PendingIsSynchronous(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	require.NoError(t, engine.CancelJob(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.False(t, got.CompletedAt.IsZero())
}

func TestCancelJob_TerminalIsRejected(t *testing.T) {
	engine, _, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	require.NoError(t, engine.CancelJob(ctx, job.ID))

	// Second cancel observes the terminal state.
	err = engine.CancelJob(ctx, job.ID)
	require.Error(t, err)
	require.True(t, IsAlreadyTerminal(err))

	// And again: idempotently the same answer.
	err = engine.CancelJob(ctx, job.ID)
	require.True(t, IsAlreadyTerminal(err))
}

func TestCancelJob_RunningSetsFlag(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	running := StatusRunning
	_, err = store.Apply(ctx, job.ID, 1, Updates{Status: &running})
	require.NoError(t, err)

	require.NoError(t, engine.CancelJob(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	// Still running: the owning worker performs the terminal transition.
	require.Equal(t, StatusRunning, got.Status)
	require.True(t, got.CancelRequested)

	// Repeating the request is a no-op, not an error.
	require.NoError(t, engine.CancelJob(ctx, job.ID))
}

func TestCancelJob_NotFound(t *testing.T) {
	engine, _, _ := newEngine(t, Quotas{}, 16)
	err := engine.CancelJob(context.Background(), "missing")
	require.True(t, IsNotFound(err))
}

func TestDeleteJob_ActiveIsRejected(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	err = engine.DeleteJob(ctx, job.ID)
	require.Error(t, err)
	require.True(t, IsStillRunning(err))

	running := StatusRunning
	_, err = store.Apply(ctx, job.ID, 1, Updates{Status: &running})
	require.NoError(t, err)

	err = engine.DeleteJob(ctx, job.ID)
	require.True(t, IsStillRunning(err))
}

func TestDeleteJob_RemovesRecordAndArtifact(t *testing.T) {
	engine, store, artifacts := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	size, err := artifacts.Put(ctx, "export-test.csv", strings.NewReader("a,b\n"))
	require.NoError(t, err)

	completed := StatusCompleted
	_, err = store.Apply(ctx, job.ID, 1, Updates{
		Status:   &completed,
		Artifact: &ArtifactRef{Ref: "export-test.csv", SizeBytes: size},
	})
	require.NoError(t, err)

	require.NoError(t, engine.DeleteJob(ctx, job.ID))

	_, err = store.Get(ctx, job.ID)
	require.True(t, IsNotFound(err))

	_, err = artifacts.Open(ctx, "export-test.csv")
	require.True(t, artifact.IsNotFound(err))

	// Deleting again: the job is gone.
	err = engine.DeleteJob(ctx, job.ID)
	require.True(t, IsNotFound(err))
}

func TestRetrieveArtifact(t *testing.T) {
	engine, store, artifacts := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	// Not completed yet.
	_, err = engine.RetrieveArtifact(ctx, job.ID)
	require.Error(t, err)
	require.True(t, IsNotReady(err))

	size, err := artifacts.Put(ctx, "export-ready.csv", strings.NewReader("id\n1\n"))
	require.NoError(t, err)

	completed := StatusCompleted
	_, err = store.Apply(ctx, job.ID, 1, Updates{
		Status:   &completed,
		Artifact: &ArtifactRef{Ref: "export-ready.csv", SizeBytes: size},
	})
	require.NoError(t, err)

	handle, err := engine.RetrieveArtifact(ctx, job.ID)
	require.NoError(t, err)
	defer handle.Content.Close()

	require.Equal(t, "export-ready.csv", handle.Ref)
	require.Equal(t, size, handle.SizeBytes)

	content, err := io.ReadAll(handle.Content)
	require.NoError(t, err)
	require.Equal(t, "id\n1\n", string(content))
}

func TestRetrieveArtifact_FailedJobExposesNothing(t *testing.T) {
	engine, store, _ := newEngine(t, Quotas{}, 16)
	ctx := context.Background()

	job, err := engine.CreateJob(ctx, exportRequest("alice"))
	require.NoError(t, err)

	failed := StatusFailed
	_, err = store.Apply(ctx, job.ID, 1, Updates{
		Status: &failed,
		Error:  &JobError{Class: ErrorPermanent, Message: "boom"},
	})
	require.NoError(t, err)

	_, err = engine.RetrieveArtifact(ctx, job.ID)
	require.True(t, IsNotReady(err))
}

func TestListJobs_Pagination(t *testing.T) {
	engine, _, _ := newEngine(t, Quotas{MaxActivePerUser: 100, MaxActiveTotal: 100}, 32)
	ctx := context.Background()

	for range 5 {
		_, err := engine.CreateJob(ctx, exportRequest("alice"))
		require.NoError(t, err)
	}

	page, cursor, total, err := engine.ListJobs(ctx, Filter{}, "", 3)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 3)
	require.NotEmpty(t, cursor)

	rest, next, _, err := engine.ListJobs(ctx, Filter{}, cursor, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Empty(t, next)
}

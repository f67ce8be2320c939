package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/artifact"
)

// PoolConfig bounds the worker pool and its retry behavior.
type PoolConfig struct {
	// Workers is the number of concurrent executors. The pool size is the
	// single knob bounding total concurrent resource usage.
	Workers int

	// MaxAttempts caps task executions per job, counting the first run.
	MaxAttempts int

	// RetryBackoff is the base delay between attempts; it doubles per retry.
	RetryBackoff time.Duration

	// CancelCheckInterval is how often a worker re-reads the record of its
	// running job to observe an externally persisted cancel request.
	CancelCheckInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.CancelCheckInterval <= 0 {
		c.CancelCheckInterval = 2 * time.Second
	}
	return c
}

// Pool is a fixed-size set of workers pulling jobs off the queue.
//
// Each worker processes at most one job at a time: it acquires the job via a
// pending->running compare-and-set, executes the kind-specific task body
// with retry for transient failures, and performs the single terminal write.
// No two workers ever own the same job.
type Pool struct {
	cfg       PoolConfig
	queue     *Queue
	store     RecordStore
	artifacts artifact.Store
	reporter  *Reporter
	tasks     *Registry
	logger    zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	started bool

	baseCtx       context.Context
	baseCancel    context.CancelFunc
	dequeueCtx    context.Context
	dequeueCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewPool creates a worker pool over the given queue, stores and registry.
func NewPool(cfg PoolConfig, queue *Queue, store RecordStore, artifacts artifact.Store, reporter *Reporter, tasks *Registry) *Pool {
	return &Pool{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		store:     store,
		artifacts: artifacts,
		reporter:  reporter,
		tasks:     tasks,
		logger:    log.With().Str("component", "worker-pool").Logger(),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start launches the workers. Non-blocking; returns immediately after the
// workers are running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())
	p.dequeueCtx, p.dequeueCancel = context.WithCancel(p.baseCtx)

	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	p.logger.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
	return nil
}

// Stop gracefully shuts the pool down, waiting for in-flight jobs to finish.
// If the context expires first, in-flight jobs are cooperatively cancelled
// and Stop waits for them to observe it.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.dequeueCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn().Msg("shutdown deadline reached, cancelling in-flight jobs")
		p.baseCancel()
		<-done
		return ctx.Err()
	}
}

// Cancel delivers the cooperative cancellation signal to the worker owning
// the given job, if it is currently in flight in this process.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()

	if ok {
		cancel()
	}
}

func (p *Pool) runWorker(n int) {
	defer p.wg.Done()

	logger := p.logger.With().Int("worker", n).Logger()

	for {
		id, err := p.queue.Dequeue(p.dequeueCtx)
		if err != nil {
			// Shutdown or queue closed.
			return
		}
		p.executeJob(id, logger)
	}
}

func (p *Pool) executeJob(id string, logger zerolog.Logger) {
	ctx := p.baseCtx

	job, err := p.store.Get(ctx, id)
	if err != nil {
		logger.Debug().Str("job_id", id).Err(err).Msg("dequeued job no longer exists")
		return
	}
	if job.Status != StatusPending {
		// Cancelled (or otherwise finalized) while queued.
		logger.Debug().Str("job_id", id).Str("status", job.Status.String()).Msg("skipping non-pending job")
		return
	}

	task, ok := p.tasks.Get(job.Kind)
	if !ok {
		p.finalize(ctx, job.ID, &job.Version, StatusFailed, Updates{
			Error: &JobError{
				Class:    ErrorPermanent,
				Code:     "unknown_kind",
				Message:  fmt.Sprintf("no task registered for kind %q", job.Kind),
				Attempts: 0,
			},
		}, logger)
		return
	}

	now := time.Now().UTC()
	running := StatusRunning
	job, err = p.store.Apply(ctx, id, job.Version, Updates{Status: &running, StartedAt: &now})
	if err != nil {
		// Lost the acquire race, most likely to a synchronous cancel.
		logger.Debug().Str("job_id", id).Err(err).Msg("failed to acquire job")
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, id)
		p.mu.Unlock()
	}()

	version := job.Version
	sink := &harnessSink{pool: p, ctx: jobCtx, jobID: id, version: &version, cancelJob: cancel, last: job.Progress}
	go p.watchCancel(jobCtx, id, cancel)

	logger.Info().Str("job_id", id).Str("kind", string(job.Kind)).Msg("job started")
	p.reporter.Publish(Update{JobID: id, Progress: job.Progress, Hint: string(StatusRunning)})

	ref, attempts, runErr := p.runAttempts(jobCtx, task, job, sink, logger)

	switch {
	case runErr == nil:
		full := 100
		p.finalize(ctx, id, &version, StatusCompleted, Updates{
			Artifact: ref,
			Progress: &full,
			Attempts: &attempts,
		}, logger)
	case jobCtx.Err() != nil || errors.Is(runErr, context.Canceled):
		p.cleanupPartial(ref, id, logger)
		p.finalize(ctx, id, &version, StatusCancelled, Updates{Attempts: &attempts}, logger)
	default:
		p.cleanupPartial(ref, id, logger)
		jerr := &JobError{
			Class:    Classify(runErr),
			Message:  runErr.Error(),
			Attempts: attempts,
		}
		var te *TaskError
		if errors.As(runErr, &te) {
			jerr.Code = te.Code
		}
		p.finalize(ctx, id, &version, StatusFailed, Updates{Error: jerr, Attempts: &attempts}, logger)
	}
}

// runAttempts executes the task body, retrying transient failures with
// exponential backoff up to MaxAttempts. Retries are invisible to the
// external state machine.
func (p *Pool) runAttempts(ctx context.Context, task Task, job *Job, sink ProgressSink, logger zerolog.Logger) (*ArtifactRef, int, error) {
	var ref *ArtifactRef
	var runErr error

	attempts := 0
	for attempts < p.cfg.MaxAttempts {
		attempts++
		ref, runErr = task.Run(ctx, job, sink)
		if runErr == nil || ctx.Err() != nil || Classify(runErr) != ErrorTransient {
			break
		}
		if attempts >= p.cfg.MaxAttempts {
			break
		}

		backoff := p.cfg.RetryBackoff << (attempts - 1)
		logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", attempts).
			Dur("backoff", backoff).
			Err(runErr).
			Msg("transient task failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ref, attempts, ctx.Err()
		}
	}

	return ref, attempts, runErr
}

// watchCancel polls the record for an externally persisted cancel request
// and converts it into context cancellation for the task body.
func (p *Pool) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.cfg.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.store.Get(ctx, id)
			if err != nil {
				continue
			}
			if job.CancelRequested {
				cancel()
				return
			}
		}
	}
}

// finalize performs the job's single terminal write. The worker owns the
// terminal transition; a concurrent cancel request only bumps the record
// version, so conflicts are resolved by re-reading and re-applying.
func (p *Pool) finalize(ctx context.Context, id string, version *int64, status JobStatus, updates Updates, logger zerolog.Logger) {
	completedAt := time.Now().UTC()
	updates.Status = &status
	updates.CompletedAt = &completedAt

	if _, err := p.applyWithRetry(ctx, id, version, updates); err != nil {
		logger.Error().Str("job_id", id).Str("status", status.String()).Err(err).Msg("failed to finalize job")
		return
	}

	progress := 0
	if updates.Progress != nil {
		progress = *updates.Progress
	}
	p.reporter.Publish(Update{JobID: id, Progress: progress, Hint: status.String()})
	logger.Info().Str("job_id", id).Str("status", status.String()).Msg("job finished")
}

// applyWithRetry retries version conflicts caused by concurrent flag writes
// (the orchestrator setting cancel_requested). Only the owning worker writes
// status while a job runs, so the retried update never clobbers another
// writer's state change.
func (p *Pool) applyWithRetry(ctx context.Context, id string, version *int64, updates Updates) (*Job, error) {
	var lastErr error
	for range 3 {
		job, err := p.store.Apply(ctx, id, *version, updates)
		if err == nil {
			*version = job.Version
			return job, nil
		}
		if !IsConflict(err) {
			return nil, err
		}
		lastErr = err

		current, gerr := p.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		*version = current.Version
	}
	return nil, lastErr
}

func (p *Pool) cleanupPartial(ref *ArtifactRef, id string, logger zerolog.Logger) {
	if ref == nil {
		return
	}
	// Best effort: a leaked partial is reconciled by the retention sweep.
	if err := p.artifacts.Delete(context.Background(), ref.Ref); err != nil {
		logger.Warn().Str("job_id", id).Str("ref", ref.Ref).Err(err).Msg("failed to clean up partial artifact")
	}
}

// harnessSink clamps task progress to the monotonic 0-100 invariant,
// persists it and publishes it to the reporter. It also treats each report
// as a cancellation checkpoint.
type harnessSink struct {
	pool      *Pool
	ctx       context.Context
	jobID     string
	version   *int64
	cancelJob context.CancelFunc
	last      int
}

func (s *harnessSink) Report(progress int, hint string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress < s.last {
		progress = s.last
	}
	s.last = progress

	job, err := s.pool.applyWithRetry(s.ctx, s.jobID, s.version, Updates{Progress: &progress})
	if err != nil {
		log.Debug().Str("component", "worker-pool").Str("job_id", s.jobID).Err(err).Msg("failed to persist progress")
	} else if job.CancelRequested {
		s.cancelJob()
	}

	s.pool.reporter.Publish(Update{JobID: s.jobID, Progress: progress, Hint: hint})
}

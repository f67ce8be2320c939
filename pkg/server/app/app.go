// Package app assembles the engine and HTTP server from configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/artifact"
	"github.com/gradeworks/gradeworks/pkg/audit"
	"github.com/gradeworks/gradeworks/pkg/config"
	"github.com/gradeworks/gradeworks/pkg/jobs"
	"github.com/gradeworks/gradeworks/pkg/server/api"
	"github.com/gradeworks/gradeworks/pkg/server/httpx"
	"github.com/gradeworks/gradeworks/pkg/tasks/backup"
	"github.com/gradeworks/gradeworks/pkg/tasks/export"
)

// App is the assembled server: engine, worker pool and HTTP listener.
type App struct {
	cfg config.Config

	store     jobs.RecordStore
	artifacts artifact.Store
	queue     *jobs.Queue
	reporter  *jobs.Reporter
	pool      *jobs.Pool
	engine    *jobs.Orchestrator
	sweeper   *jobs.Sweeper
	auditor   audit.Logger

	httpServer *http.Server
	ready      *atomic.Bool
}

// New builds an App from configuration. It creates the workspace layout on
// disk and wires every component, but starts nothing.
//
// Workspace layout under storage.workspace_root:
//
//	jobs/       job records
//	artifacts/  finished artifacts
//	data/       export source data (*.jsonl)
//	audit.log   append-only audit trail
func New(cfg config.Config) (*App, error) {
	root := cfg.Storage.WorkspaceRoot
	if root == "" {
		return nil, fmt.Errorf("storage.workspace_root is required")
	}
	for _, sub := range []string{"jobs", "artifacts", "data"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	store, err := jobs.NewLocalRecordStore(filepath.Join(root, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("failed to open job record store: %w", err)
	}

	artifacts, err := artifact.NewLocalStore(filepath.Join(root, "artifacts"))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	auditor, err := audit.NewFileLogger(filepath.Join(root, "audit.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	queue := jobs.NewQueue(cfg.Engine.QueueCapacity)
	reporter := jobs.NewReporter()

	source, err := export.NewJSONLSource(filepath.Join(root, "data"))
	if err != nil {
		return nil, fmt.Errorf("failed to open export data source: %w", err)
	}

	backupTask := backup.NewTask(cfg.Backup, artifacts).
		WithLastSuccess(lastSuccessfulBackup(store))

	registry := jobs.NewRegistry()
	registry.Register(export.NewTask(source, artifacts))
	registry.Register(backupTask)

	pool := jobs.NewPool(jobs.PoolConfig{
		Workers:             cfg.Engine.Workers,
		MaxAttempts:         cfg.Engine.MaxAttempts,
		RetryBackoff:        cfg.Engine.RetryBackoff,
		CancelCheckInterval: cfg.Engine.CancelCheckInterval,
	}, queue, store, artifacts, reporter, registry)

	engine := jobs.NewOrchestrator(store, queue, artifacts, reporter, pool, jobs.Quotas{
		MaxActivePerUser: cfg.Engine.MaxActivePerUser,
		MaxActiveTotal:   cfg.Engine.MaxActiveTotal,
	}, auditor)

	sweeper := jobs.NewSweeper(store, artifacts, cfg.Storage.Retention, auditor)

	ready := &atomic.Bool{}
	deps := &api.Deps{
		Engine: engine,
		Ready:  ready,
	}

	addr := net.JoinHostPort(cfg.Server.Addr, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      httpx.NewRouter(cfg.Server, deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		cfg:        cfg,
		store:      store,
		artifacts:  artifacts,
		queue:      queue,
		reporter:   reporter,
		pool:       pool,
		engine:     engine,
		sweeper:    sweeper,
		auditor:    auditor,
		httpServer: httpServer,
		ready:      ready,
	}, nil
}

// Engine exposes the orchestrator, mainly for tests and embedding.
func (a *App) Engine() *jobs.Orchestrator {
	return a.engine
}

// Sweeper exposes the retention sweeper for the gc command.
func (a *App) Sweeper() *jobs.Sweeper {
	return a.sweeper
}

// Addr returns the configured listen address.
func (a *App) Addr() string {
	return a.httpServer.Addr
}

// Run starts the worker pool and the HTTP server, then blocks until ctx is
// cancelled. On cancellation it drains in order: stop accepting HTTP
// requests, then stop the worker pool so running jobs settle.
func (a *App) Run(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("component", "app").
			Str("addr", a.httpServer.Addr).
			Msg("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	a.ready.Store(true)

	select {
	case err := <-serverErr:
		a.ready.Store(false)
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = a.pool.Stop(stopCtx)
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.ready.Store(false)
	log.Info().
		Str("component", "app").
		Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().
			Str("component", "app").
			Err(err).
			Msg("HTTP shutdown did not complete cleanly")
	}

	if err := a.pool.Stop(shutdownCtx); err != nil {
		log.Warn().
			Str("component", "app").
			Err(err).
			Msg("Worker pool did not drain before deadline")
	}

	a.queue.Close()
	<-serverErr
	return nil
}

// lastSuccessfulBackup returns the watermark function incremental backups
// use: the completion time of the newest completed backup job, if any.
func lastSuccessfulBackup(store jobs.RecordStore) func(ctx context.Context) (time.Time, bool) {
	return func(ctx context.Context) (time.Time, bool) {
		records, err := store.List(ctx, jobs.Filter{
			Kind:   jobs.KindBackup,
			Status: jobs.StatusCompleted,
		})
		if err != nil || len(records) == 0 {
			return time.Time{}, false
		}

		var latest time.Time
		for _, j := range records {
			if j.CompletedAt.After(latest) {
				latest = j.CompletedAt
			}
		}
		return latest, !latest.IsZero()
	}
}

// Package server assembles C1-C8 into a single lifecycle-scoped
// container with explicit Start/Shutdown methods, replacing the global
// mutable state (DB connection, queue, worker list, janitor task) that a
// dynamic-language runtime would hang off module scope. Grounded on the
// teacher's internal/engine/manager.go NewEngine/Shutdown sequencing and
// RecoverInterruptedDownloads startup recovery, adapted to this spec's
// decision (spec.md §9) to rescan only queued rows, never running ones.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/config"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/httpapi"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/janitor"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/queue"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/store"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/workerpool"
)

// drainTimeout bounds how long Shutdown waits for in-flight workers
// before giving up and closing the store out from under them; mid-flight
// tasks remain `running` and are visible as such on next start (spec.md
// §5, §9 open question — no automatic requeue is implemented).
const drainTimeout = 30 * time.Second

// Lifecycle owns every long-lived component and its start/stop sequence.
type Lifecycle struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *store.Store
	queue   *queue.JobQueue
	pool    *workerpool.Pool
	janitor *janitor.Janitor
	httpSrv *http.Server

	janitorCancel context.CancelFunc
}

// New wires the container. convert is the closure binding pipeline.Convert
// to a concrete Extractor/Describer pair; notifier is the bound C6
// instance. Both come from cmd/server/main.go so this package never has
// to import internal/pipeline/internal/vision directly.
func New(
	cfg *config.Config,
	log *slog.Logger,
	st *store.Store,
	convert workerpool.ConvertFunc,
	notifier workerpool.Notifier,
) *Lifecycle {
	q := queue.New()

	pool := workerpool.New(st, q, convert, notifier, cfg.MaxConcurrentTasks, log)
	jan := janitor.New(st, cfg.DataDir, cfg.CleanupInterval, log)

	api := httpapi.New(st, q, httpapi.Config{
		DataDir:        cfg.DataDir,
		MaxUploadSize:  cfg.MaxUploadSize,
		RetentionHours: cfg.RetentionHours,
	}, log)

	return &Lifecycle{
		cfg:     cfg,
		log:     log,
		store:   st,
		queue:   q,
		pool:    pool,
		janitor: jan,
		httpSrv: &http.Server{Addr: cfg.Addr(), Handler: api.Router()},
	}
}

// Start recovers any tasks left `queued` by a prior crash, then launches
// the worker pool, the janitor, and the HTTP listener. It returns once
// the listener is serving; call Shutdown to stop everything.
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.recoverQueuedTasks(); err != nil {
		return fmt.Errorf("recover queued tasks: %w", err)
	}

	l.pool.Start(ctx)

	janitorCtx, cancel := context.WithCancel(ctx)
	l.janitorCancel = cancel
	go l.janitor.Run(janitorCtx)

	errCh := make(chan error, 1)
	go func() {
		l.log.Info("http surface listening", "addr", l.cfg.Addr())
		if err := l.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// recoverQueuedTasks re-enqueues every row still `queued` at startup
// (spec.md §4.2); running rows are deliberately left alone, per the
// open question in spec.md §9.
func (l *Lifecycle) recoverQueuedTasks() error {
	queued, err := l.store.ListQueued(10000)
	if err != nil {
		return err
	}
	for _, t := range queued {
		l.queue.Enqueue(t.TaskID)
	}
	if len(queued) > 0 {
		l.log.Info("recovered queued tasks from prior run", "count", len(queued))
	}
	return nil
}

// Shutdown stops accepting new HTTP connections, closes the queue so
// workers stop dequeuing, cancels the janitor, waits up to drainTimeout
// for in-flight workers, then closes the store.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := l.httpSrv.Shutdown(shutdownCtx); err != nil {
		l.log.Warn("http server shutdown error", "error", err)
	}

	l.queue.Close()
	if l.janitorCancel != nil {
		l.janitorCancel()
	}

	drained := make(chan struct{})
	go func() {
		l.pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		l.log.Warn("worker drain timeout exceeded, closing store with workers still in flight")
	}

	return l.store.Close()
}

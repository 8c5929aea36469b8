// Package workerpool implements C3: a fixed pool of goroutines that drain
// the job queue, drive the conversion pipeline, and commit terminal state.
// Grounded on the teacher's internal/engine/executor.go queueWorker/
// executeTask dispatch loop (the panic-recovery-wrapped per-task
// goroutine), adapted from a scheduler-fed download engine to a plain
// FIFO-fed conversion engine per original_source's
// app/workers/task_queue.py _process_task state sequence.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/metrics"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

// Queue is the narrow slice of queue.JobQueue the pool needs.
type Queue interface {
	Dequeue() (string, bool)
}

// Store is the narrow slice of store.Store the pool needs.
type Store interface {
	Get(id string) (*task.Task, error)
	UpdateStatus(id string, to task.Status, patch task.StatusPatch) error
}

// Notifier fires C6 for a terminal task. Implementations must not block
// the caller beyond their own budget (spec.md §4.3 step 5); Pool always
// invokes it in its own goroutine regardless.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task)
}

// ConvertFunc runs C4 for t and returns its output_files list. Bound by
// the caller to a concrete pipeline.Config/Extractor/Describer so this
// package never has to import internal/pipeline directly.
type ConvertFunc func(ctx context.Context, t *task.Task) ([]string, error)

// Pool is a fixed-size set of workers draining Queue.
type Pool struct {
	store    Store
	queue    Queue
	convert  ConvertFunc
	notifier Notifier
	size     int
	log      *slog.Logger

	wg sync.WaitGroup
}

func New(store Store, queue Queue, convert ConvertFunc, notifier Notifier, size int, log *slog.Logger) *Pool {
	if size <= 0 {
		size = 2
	}
	return &Pool{store: store, queue: queue, convert: convert, notifier: notifier, size: size, log: log}
}

// Start launches the pool's workers; they run until the queue is closed
// (queue.Close, called during shutdown) and Dequeue starts returning
// ok=false.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Wait blocks until every worker goroutine has returned, i.e. until the
// queue has been closed and all in-flight tasks have reached a terminal
// state. Callers enforce a drain deadline around this call.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		id, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.processOne(ctx, workerID, id)
	}
}

// processOne runs the full per-task state sequence from spec.md §4.3. A
// panic anywhere in conversion is recovered and classified as
// CONVERSION_ERROR so that every claimed task still reaches a terminal
// state.
func (p *Pool) processOne(ctx context.Context, workerID int, id string) {
	t, err := p.store.Get(id)
	if err != nil {
		if errors.As(err, new(*apperr.NotFoundError)) {
			return
		}
		p.log.Error("worker: load task failed", "worker", workerID, "task_id", id, "error", err)
		return
	}
	if t.Status != task.StatusQueued {
		p.log.Warn("worker: skipping task not in queued state", "worker", workerID, "task_id", id, "status", t.Status)
		return
	}

	started := time.Now().UTC()
	if err := p.store.UpdateStatus(id, task.StatusRunning, task.StatusPatch{StartedAt: &started}); err != nil {
		p.log.Error("worker: transition to running failed", "worker", workerID, "task_id", id, "error", err)
		return
	}
	t.Status = task.StatusRunning
	t.StartedAt = &started

	outputs, convErr := p.runConvert(ctx, t)

	finished := time.Now().UTC()
	if convErr != nil {
		msg := task.TruncateErrorMessage(convErr.Error())
		patch := task.StatusPatch{FinishedAt: &finished, ErrorCode: "CONVERSION_ERROR", ErrorMessage: msg}
		if err := p.store.UpdateStatus(id, task.StatusFailed, patch); err != nil {
			p.log.Error("worker: transition to failed failed", "worker", workerID, "task_id", id, "error", err)
		}
		t.Status = task.StatusFailed
		t.FinishedAt = &finished
		t.ErrorCode = "CONVERSION_ERROR"
		t.ErrorMessage = msg
		metrics.TasksCompleted.WithLabelValues("failed").Inc()
		p.log.Warn("worker: task failed", "worker", workerID, "task_id", id, "error", convErr)
	} else {
		patch := task.StatusPatch{FinishedAt: &finished, OutputFiles: outputs}
		if err := p.store.UpdateStatus(id, task.StatusCompleted, patch); err != nil {
			p.log.Error("worker: transition to completed failed", "worker", workerID, "task_id", id, "error", err)
		}
		t.Status = task.StatusCompleted
		t.FinishedAt = &finished
		t.SetOutputFiles(outputs)
		metrics.TasksCompleted.WithLabelValues("completed").Inc()
		p.log.Info("worker: task completed", "worker", workerID, "task_id", id)
	}

	if t.WebhookURL != "" {
		// Fired in its own goroutine per spec.md §4.3 step 5: webhook
		// delivery must not block this worker from dequeuing the next task.
		go p.notifier.Notify(context.Background(), t)
	}
}

// runConvert wraps convert in a top-level recover, per spec.md §4.3's
// "a task that panics a worker must still reach a terminal state".
func (p *Pool) runConvert(ctx context.Context, t *task.Task) (outputs []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in conversion pipeline: %v", r)
		}
	}()
	return p.convert(ctx, t)
}

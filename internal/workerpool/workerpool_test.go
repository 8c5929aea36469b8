package workerpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	events []string
}

func newFakeStore(tasks ...*task.Task) *fakeStore {
	m := map[string]*task.Task{}
	for _, t := range tasks {
		m[t.TaskID] = t
	}
	return &fakeStore{tasks: m}
}

func (f *fakeStore) Get(id string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, &apperr.NotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(id string, to task.Status, patch task.StatusPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return &apperr.NotFoundError{TaskID: id}
	}
	t.Status = to
	if patch.StartedAt != nil {
		t.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		t.FinishedAt = patch.FinishedAt
	}
	if patch.ErrorCode != "" {
		t.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != "" {
		t.ErrorMessage = patch.ErrorMessage
	}
	if patch.OutputFiles != nil {
		t.SetOutputFiles(patch.OutputFiles)
	}
	f.events = append(f.events, string(to))
	return nil
}

type fifoQueue struct {
	mu     sync.Mutex
	items  []string
	closed bool
}

func (q *fifoQueue) push(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, id)
}

func (q *fifoQueue) Dequeue() (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return id, true
		}
		done := q.closed
		q.mu.Unlock()
		if done {
			return "", false
		}
		time.Sleep(time.Millisecond)
	}
}

func (q *fifoQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

type fakeNotifier struct {
	mu    sync.Mutex
	fired []string
	done  chan struct{}
}

func (n *fakeNotifier) Notify(ctx context.Context, t *task.Task) {
	n.mu.Lock()
	n.fired = append(n.fired, t.TaskID)
	n.mu.Unlock()
	if n.done != nil {
		n.done <- struct{}{}
	}
}

func TestPool_HappyPathTransitionsToCompleted(t *testing.T) {
	tk := &task.Task{TaskID: "t1", Status: task.StatusQueued}
	store := newFakeStore(tk)
	q := &fifoQueue{}
	q.push("t1")

	convert := func(ctx context.Context, t *task.Task) ([]string, error) {
		return []string{"t1.md"}, nil
	}
	notifier := &fakeNotifier{}

	pool := New(store, q, convert, notifier, 1, testLogger())
	pool.Start(context.Background())
	q.close()
	pool.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, []string{"t1.md"}, got.OutputFiles())
}

func TestPool_ConversionFailureTransitionsToFailed(t *testing.T) {
	tk := &task.Task{TaskID: "t1", Status: task.StatusQueued}
	store := newFakeStore(tk)
	q := &fifoQueue{}
	q.push("t1")

	convert := func(ctx context.Context, t *task.Task) ([]string, error) {
		return nil, errors.New("boom")
	}

	pool := New(store, q, convert, &fakeNotifier{}, 1, testLogger())
	pool.Start(context.Background())
	q.close()
	pool.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "CONVERSION_ERROR", got.ErrorCode)
}

func TestPool_PanicInConvertIsRecoveredAsConversionError(t *testing.T) {
	tk := &task.Task{TaskID: "t1", Status: task.StatusQueued}
	store := newFakeStore(tk)
	q := &fifoQueue{}
	q.push("t1")

	convert := func(ctx context.Context, t *task.Task) ([]string, error) {
		panic("unexpected nil pointer")
	}

	pool := New(store, q, convert, &fakeNotifier{}, 1, testLogger())
	pool.Start(context.Background())
	q.close()
	pool.Wait()

	got, err := store.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "CONVERSION_ERROR", got.ErrorCode)
}

func TestPool_FiresWebhookOnTerminalStateAsynchronously(t *testing.T) {
	tk := &task.Task{TaskID: "t1", Status: task.StatusQueued, WebhookURL: "http://example.invalid/hook"}
	store := newFakeStore(tk)
	q := &fifoQueue{}
	q.push("t1")

	convert := func(ctx context.Context, t *task.Task) ([]string, error) {
		return []string{"t1.md"}, nil
	}
	notifier := &fakeNotifier{done: make(chan struct{}, 1)}

	pool := New(store, q, convert, notifier, 1, testLogger())
	pool.Start(context.Background())
	q.close()
	pool.Wait()

	select {
	case <-notifier.done:
	case <-time.After(time.Second):
		t.Fatal("webhook notifier was never invoked")
	}
	assert.Equal(t, []string{"t1"}, notifier.fired)
}

func TestPool_SkipsTaskNotInQueuedState(t *testing.T) {
	tk := &task.Task{TaskID: "t1", Status: task.StatusRunning}
	store := newFakeStore(tk)
	q := &fifoQueue{}
	q.push("t1")

	called := false
	convert := func(ctx context.Context, t *task.Task) ([]string, error) {
		called = true
		return nil, nil
	}

	pool := New(store, q, convert, &fakeNotifier{}, 1, testLogger())
	pool.Start(context.Background())
	q.close()
	pool.Wait()

	assert.False(t, called)
}

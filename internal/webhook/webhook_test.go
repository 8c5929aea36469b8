package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTelemetryStore struct {
	mu         sync.Mutex
	updates    []int
	lastStatus int
}

func (f *fakeTelemetryStore) UpdateWebhookTelemetry(taskID string, statusCode, attemptCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, attemptCount)
	f.lastStatus = statusCode
	return nil
}

func (f *fakeTelemetryStore) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func completedTask(webhookURL string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		TaskID:     "task1",
		Status:     task.StatusCompleted,
		CreatedAt:  now,
		WebhookURL: webhookURL,
	}
}

func TestNotify_SucceedsOnFirstAttempt(t *testing.T) {
	var received task.WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeTelemetryStore{}
	n := New(store, Config{Timeout: time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	tk := completedTask(srv.URL)
	n.Notify(context.Background(), tk)

	assert.Equal(t, 1, store.attemptCount())
	assert.Equal(t, http.StatusOK, store.lastStatus)
	assert.Equal(t, "task1", received.TaskID)
	assert.Equal(t, task.StatusCompleted, received.Status)
}

func TestNotify_RetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	var deliveryIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveryIDs = append(deliveryIDs, r.Header.Get("X-Webhook-Delivery"))
		mu.Unlock()

		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeTelemetryStore{}
	n := New(store, Config{Timeout: time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	n.Notify(context.Background(), completedTask(srv.URL))

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 3, store.attemptCount())
	assert.Equal(t, http.StatusOK, store.lastStatus)

	require.Len(t, deliveryIDs, 3)
	assert.NotEmpty(t, deliveryIDs[0])
	assert.Equal(t, deliveryIDs[0], deliveryIDs[1])
	assert.Equal(t, deliveryIDs[0], deliveryIDs[2])
}

func TestNotify_ExhaustsRetriesAndRecordsLastStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeTelemetryStore{}
	n := New(store, Config{Timeout: time.Second, MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger())

	n.Notify(context.Background(), completedTask(srv.URL))

	assert.Equal(t, 2, store.attemptCount())
	assert.Equal(t, http.StatusServiceUnavailable, store.lastStatus)
}

func TestNotify_TransportFailureRecordsZeroStatus(t *testing.T) {
	store := &fakeTelemetryStore{}
	n := New(store, Config{Timeout: time.Second, MaxRetries: 1, RetryDelay: time.Millisecond}, testLogger())

	n.Notify(context.Background(), completedTask("http://127.0.0.1:0/unreachable"))

	assert.Equal(t, 1, store.attemptCount())
	assert.Equal(t, 0, store.lastStatus)
}

func TestNotify_NoWebhookURLIsANoop(t *testing.T) {
	store := &fakeTelemetryStore{}
	n := New(store, Config{Timeout: time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	n.Notify(context.Background(), completedTask(""))

	assert.Equal(t, 0, store.attemptCount())
}

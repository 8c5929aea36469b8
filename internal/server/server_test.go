package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/config"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/store"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func multipartUpload(t *testing.T, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "doc.pdf")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

// TestLifecycle_AdmitsAndConvertsToCompleted exercises the whole
// container: a task posted through the HTTP surface flows through the
// real store, queue, and worker pool to a completed terminal state.
func TestLifecycle_AdmitsAndConvertsToCompleted(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "tasks.sqlite"),
		MaxUploadSize:      1024 * 1024,
		MaxConcurrentTasks: 1,
		CleanupInterval:    time.Hour,
		RetentionHours:     24,
		Host:               "127.0.0.1",
		Port:               0,
	}

	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	convertCalled := make(chan struct{}, 1)
	convert := func(ctx context.Context, tk *task.Task) ([]string, error) {
		convertCalled <- struct{}{}
		return []string{tk.TaskID + ".md"}, nil
	}
	notifier := noopNotifier{}

	lc := New(cfg, testLogger(), st, convert, notifier)
	// Exercise the HTTP router directly rather than binding a real port.
	router := lc.httpSrv.Handler

	lc.pool.Start(context.Background())
	t.Cleanup(lc.pool.Wait)
	t.Cleanup(lc.queue.Close)

	body, contentType := multipartUpload(t, []byte("%PDF-1.4 fake"))
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created task.CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	select {
	case <-convertCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool never invoked convert")
	}

	deadline := time.Now().Add(2 * time.Second)
	var status task.StatusResponse
	for time.Now().Before(deadline) {
		statusReq := httptest.NewRequest(http.MethodGet, "/tasks/"+created.TaskID, nil)
		statusRec := httptest.NewRecorder()
		router.ServeHTTP(statusRec, statusReq)
		require.Equal(t, http.StatusOK, statusRec.Code)
		require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
		if status.Status == task.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, task.StatusCompleted, status.Status)
}

func TestRecoverQueuedTasks_ReEnqueuesOnlyQueuedRows(t *testing.T) {
	dataDir := t.TempDir()
	cfg := &config.Config{DataDir: dataDir, DBPath: filepath.Join(dataDir, "tasks.sqlite"), MaxConcurrentTasks: 1, CleanupInterval: time.Hour}

	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queued := &task.Task{TaskID: "01Q", Status: task.StatusQueued, CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour)}
	running := &task.Task{TaskID: "01R", Status: task.StatusRunning, CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour)}
	require.NoError(t, st.Create(queued))
	require.NoError(t, st.Create(running))

	convert := func(ctx context.Context, tk *task.Task) ([]string, error) { return nil, nil }
	lc := New(cfg, testLogger(), st, convert, noopNotifier{})

	require.NoError(t, lc.recoverQueuedTasks())

	id, ok := lc.queue.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "01Q", id)
	assert.Equal(t, 0, lc.queue.Len())
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, *task.Task) {}

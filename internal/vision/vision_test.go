package vision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubClient struct {
	calls       int32
	maxInFlight int32
	fn          func(call int32) (string, *Failure)
}

func (s *stubClient) Describe(ctx context.Context, imageBytes []byte, mediaType, before, after string) (string, *Failure) {
	inFlight := atomic.AddInt32(&s.calls, 1)
	defer atomic.AddInt32(&s.calls, -1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if inFlight <= max {
			break
		}
		if atomic.CompareAndSwapInt32(&s.maxInFlight, max, inFlight) {
			break
		}
	}
	return s.fn(inFlight)
}

func writeImage(t *testing.T, imagesDir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(imagesDir, name), []byte("fake-bytes"), 0o644))
}

func TestDescribe_SuccessRewritesMarkdown(t *testing.T) {
	dataDir := t.TempDir()
	imagesDir := filepath.Join(dataDir, "images")
	writeImage(t, imagesDir, "img1.png")

	client := &stubClient{fn: func(int32) (string, *Failure) { return "a friendly diagram", nil }}
	d := New(client, Config{MaxConcurrent: 2, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	images := []pipeline.ImageRecord{
		{ImageID: "img1", Filename: filepath.Join("images", "img1.png"), ContextBefore: "before text", ContextAfter: "after text"},
	}
	markdown := "before text\n\n![img1](images/img1.png)\n\nafter text"

	out, err := d.Describe(context.Background(), "t1", markdown, images, imagesDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Image img1: a friendly diagram")
	assert.Contains(t, out, "before text")
	assert.Contains(t, out, "after text")
}

func TestDescribe_FatalFailureNeverRetriesAndProducesSentinel(t *testing.T) {
	dataDir := t.TempDir()
	imagesDir := filepath.Join(dataDir, "images")
	writeImage(t, imagesDir, "img1.png")

	attempts := int32(0)
	client := &stubClient{fn: func(int32) (string, *Failure) {
		atomic.AddInt32(&attempts, 1)
		return "", &Failure{Outcome: OutcomeFatal, Err: errors.New("bad request")}
	}}
	d := New(client, Config{MaxConcurrent: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	images := []pipeline.ImageRecord{{ImageID: "img1", Filename: filepath.Join("images", "img1.png")}}
	markdown := "![img1](images/img1.png)"

	out, err := d.Describe(context.Background(), "t1", markdown, images, imagesDir)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Contains(t, out, "description unavailable")
	assert.Contains(t, out, "bad request")
}

func TestDescribe_TransientFailureRetriesThenSucceeds(t *testing.T) {
	dataDir := t.TempDir()
	imagesDir := filepath.Join(dataDir, "images")
	writeImage(t, imagesDir, "img1.png")

	attempts := int32(0)
	client := &stubClient{fn: func(int32) (string, *Failure) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return "", &Failure{Outcome: OutcomeTransient, Err: errors.New("connection reset")}
		}
		return "resolved on retry", nil
	}}
	d := New(client, Config{MaxConcurrent: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	images := []pipeline.ImageRecord{{ImageID: "img1", Filename: filepath.Join("images", "img1.png")}}
	markdown := "![img1](images/img1.png)"

	out, err := d.Describe(context.Background(), "t1", markdown, images, imagesDir)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Contains(t, out, "Image img1: resolved on retry")
}

func TestDescribe_BoundsConcurrencyToMaxConcurrent(t *testing.T) {
	dataDir := t.TempDir()
	imagesDir := filepath.Join(dataDir, "images")

	var images []pipeline.ImageRecord
	markdown := ""
	for i := 0; i < 10; i++ {
		name := filepath.Join("images", "img"+string(rune('a'+i))+".png")
		writeImage(t, imagesDir, "img"+string(rune('a'+i))+".png")
		images = append(images, pipeline.ImageRecord{ImageID: "img" + string(rune('a'+i)), Filename: name})
		markdown += "![img" + string(rune('a'+i)) + "](" + name + ")\n"
	}

	client := &stubClient{fn: func(int32) (string, *Failure) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}}
	d := New(client, Config{MaxConcurrent: 3, MaxRetries: 1, RetryDelay: time.Millisecond}, testLogger())

	_, err := d.Describe(context.Background(), "t1", markdown, images, imagesDir)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&client.maxInFlight), int32(3))
}

func TestDescribe_MissingFileIsFatal(t *testing.T) {
	dataDir := t.TempDir()
	imagesDir := filepath.Join(dataDir, "images")
	require.NoError(t, os.MkdirAll(imagesDir, 0o755))

	client := &stubClient{fn: func(int32) (string, *Failure) { return "unused", nil }}
	d := New(client, Config{MaxConcurrent: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, testLogger())

	images := []pipeline.ImageRecord{{ImageID: "img1", Filename: filepath.Join("images", "missing.png")}}
	markdown := "![img1](images/missing.png)"

	out, err := d.Describe(context.Background(), "t1", markdown, images, imagesDir)
	require.NoError(t, err)
	assert.Contains(t, out, "description unavailable")
}

// Package vision implements C5, the Vision Describer: a bounded-
// concurrency, typed-retry mapping from image records to description
// text, followed by a Markdown rewrite into description blocks. Grounded
// on cklxx-elephant.ai's SubAgentOrchestrator.ExecuteParallel
// (errgroup.SetLimit fan-out) for concurrency, and on
// mattcburns-shoal-provision's internal/bmc/retry.go for the shape of a
// typed, classify-then-backoff retry loop.
package vision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/metrics"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/pipeline"
)

// errorMessageLimit truncates the last-error string recorded against a
// failed image description, per spec.md §4.5.
const errorMessageLimit = 100

// Outcome classifies a VisionClient failure for retry purposes.
type Outcome int

const (
	// OutcomeSuccess means describe returned a usable description.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited backs off at 2x the normal exponential rate.
	OutcomeRateLimited
	// OutcomeTransient covers transport errors and 5xx responses.
	OutcomeTransient
	// OutcomeFatal means retrying would not help (4xx non-rate-limit,
	// missing image file).
	OutcomeFatal
)

// Failure is returned by VisionClient.Describe on any non-success result;
// Outcome drives the retry decision in describeWithRetry.
type Failure struct {
	Outcome Outcome
	Err     error
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

// Client is the VisionClient port: map image bytes + context to a
// description, or a classified Failure.
type Client interface {
	Describe(ctx context.Context, imageBytes []byte, mediaType, contextBefore, contextAfter string) (string, *Failure)
}

// Config holds the C5 tuning knobs from spec.md §6.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	RetryDelay    time.Duration

	// CallsPerSecond caps the outbound rate of VisionClient.Describe
	// calls across the whole describer, independent of MaxConcurrent.
	// 0 means unlimited. This exists because the provider's own rate
	// limit is per-key, not per-task: two tasks describing concurrently
	// must share one budget, not each get MaxConcurrent of their own.
	CallsPerSecond float64
}

// Describer implements pipeline.Describer. A nil Client is never
// constructed here; the pipeline itself skips C5 entirely when vision is
// unconfigured (spec.md §4.4 step 6).
type Describer struct {
	client  Client
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter
}

// New builds a Describer. Rate limiting is grounded on the teacher's
// internal/core.BandwidthManager: a shared rate.Limiter, rate.Inf when
// unconfigured so the zero value costs nothing.
func New(client Client, cfg Config, log *slog.Logger) *Describer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
		burst = cfg.MaxConcurrent
	}
	return &Describer{client: client, cfg: cfg, log: log, limiter: rate.NewLimiter(limit, burst)}
}

var _ pipeline.Describer = (*Describer)(nil)

// description is the resolved outcome for one image, produced under the
// semaphore and consumed (serially) during Markdown rewrite.
type description struct {
	record pipeline.ImageRecord
	text   string
	failed bool
}

// Describe runs one VisionClient call per image (bounded to
// cfg.MaxConcurrent in flight, per spec.md §4.5's concurrency contract),
// awaits all of them, then rewrites markdown with description blocks.
func (d *Describer) Describe(ctx context.Context, taskID, markdown string, images []pipeline.ImageRecord, imagesDir string) (string, error) {
	results := make([]description, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)

	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			results[i] = d.describeOne(gctx, taskID, img, imagesDir)
			// A per-image failure is absorbed into the sentinel text, not
			// propagated: one bad image must never fail the whole task.
			return nil
		})
	}
	// Wait's error is always nil here (workers never return non-nil), but
	// ctx cancellation from the caller still short-circuits in-flight work.
	if err := g.Wait(); err != nil {
		return markdown, apperr.Internal("vision fan-out", err)
	}

	out := markdown
	for _, r := range results {
		if r.record.Filename == "" {
			continue // dropped during image persistence, nothing to rewrite
		}
		out = rewriteBlock(out, r)
	}
	return out, nil
}

func (d *Describer) describeOne(ctx context.Context, taskID string, img pipeline.ImageRecord, imagesDir string) description {
	if img.Filename == "" {
		metrics.VisionCalls.WithLabelValues("failure").Inc()
		err := &apperr.DescriptionError{ImageID: img.ImageID, Cause: fmt.Errorf("image file missing")}
		return description{record: img, failed: true, text: truncate(err.Error(), errorMessageLimit)}
	}

	path := filepath.Join(filepath.Dir(imagesDir), img.Filename)
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		metrics.VisionCalls.WithLabelValues("failure").Inc()
		err := &apperr.DescriptionError{ImageID: img.ImageID, Cause: readErr}
		return description{record: img, failed: true, text: truncate(err.Error(), errorMessageLimit)}
	}

	mediaType := "image/png"
	if strings.HasSuffix(img.Filename, ".jpeg") || strings.HasSuffix(img.Filename, ".jpg") {
		mediaType = "image/jpeg"
	}

	text, describeErr := d.describeWithRetry(ctx, taskID, img.ImageID, raw, mediaType, img.ContextBefore, img.ContextAfter)
	if describeErr != nil {
		metrics.VisionCalls.WithLabelValues("failure").Inc()
		err := &apperr.DescriptionError{ImageID: img.ImageID, Cause: describeErr}
		return description{record: img, failed: true, text: truncate(err.Error(), errorMessageLimit)}
	}
	metrics.VisionCalls.WithLabelValues("success").Inc()
	return description{record: img, text: text}
}

// describeWithRetry implements the retry table in spec.md §4.5:
// rate-limited backs off at 2x, transient backs off at 1x, fatal never
// retries, all bounded by cfg.MaxRetries total attempts.
func (d *Describer) describeWithRetry(ctx context.Context, taskID, imageID string, raw []byte, mediaType, before, after string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
		text, failure := d.client.Describe(ctx, raw, mediaType, before, after)
		if failure == nil {
			return text, nil
		}
		lastErr = failure.Err

		if failure.Outcome == OutcomeFatal {
			break
		}

		if attempt == d.cfg.MaxRetries-1 {
			break
		}

		multiplier := 1.0
		if failure.Outcome == OutcomeRateLimited {
			multiplier = 2.0
		}
		delay := time.Duration(float64(d.cfg.RetryDelay) * math.Pow(2, float64(attempt)) * multiplier)

		d.log.Warn("vision describe attempt failed, retrying",
			"task_id", taskID, "image_id", imageID, "attempt", attempt+1, "delay", delay, "error", failure.Err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	return "", lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// rewriteBlock replaces the single literal occurrence of the bare image
// reference with the description block shape from spec.md §4.5.
func rewriteBlock(markdown string, r description) string {
	ref := fmt.Sprintf("![%s](%s)", r.record.ImageID, filepath.ToSlash(r.record.Filename))

	text := r.text
	if r.failed {
		text = fmt.Sprintf("description unavailable (%s)", r.text)
	}

	var b strings.Builder
	if r.record.ContextBefore != "" {
		b.WriteString(r.record.ContextBefore)
		b.WriteString("\n\n")
	}
	b.WriteString(ref)
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Image %s: %s", r.record.ImageID, text))
	b.WriteString("\n\n")
	if r.record.ContextAfter != "" {
		b.WriteString(r.record.ContextAfter)
	}

	block := strings.TrimRight(b.String(), "\n")
	return strings.Replace(markdown, ref, block, 1)
}

// Package webhook implements C6, the Webhook Notifier: a best-effort,
// at-most-once-attempted-per-task POST with linear backoff retry.
// Grounded on original_source/service/app/workers/webhook.py for the
// exact retry/telemetry sequencing, using net/http the way the teacher's
// internal/network package builds HTTP clients with explicit timeouts.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/apperr"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/metrics"
	"github.com/Growatt-New-Energy-B-V/markitdown-vision-service/internal/task"
)

// TelemetryStore is the narrow slice of store.Store the notifier needs,
// kept as an interface so tests can fake it without a real database.
type TelemetryStore interface {
	UpdateWebhookTelemetry(taskID string, statusCode, attemptCount int) error
}

// Config holds the C6 tuning knobs from spec.md §6.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Notifier delivers the webhook payload for a terminal task.
type Notifier struct {
	client *http.Client
	store  TelemetryStore
	cfg    Config
	log    *slog.Logger
}

func New(store TelemetryStore, cfg Config, log *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: cfg.Timeout},
		store:  store,
		cfg:    cfg,
		log:    log,
	}
}

// Notify sends t's payload to t.WebhookURL, retrying per spec.md §4.6.
// It never returns an error to the caller: failures are absorbed into
// webhook telemetry and logged, never into task state.
func (n *Notifier) Notify(ctx context.Context, t *task.Task) {
	if t.WebhookURL == "" {
		return
	}

	body, err := json.Marshal(t.Payload())
	if err != nil {
		n.log.Error("marshal webhook payload", "task_id", t.TaskID, "error", err)
		return
	}

	// deliveryID correlates every attempt (and the receiver's own logs) to
	// a single delivery, independent of task_id: a task can be retried
	// with a fresh deliveryID if Notify is ever invoked again.
	deliveryID := uuid.New().String()

	var lastStatus int
	var attempt int

	for attempt = 1; attempt <= n.cfg.MaxRetries; attempt++ {
		status, err := n.attempt(ctx, t.WebhookURL, body, deliveryID)
		lastStatus = status

		if persistErr := n.store.UpdateWebhookTelemetry(t.TaskID, status, attempt); persistErr != nil {
			n.log.Error("persist webhook telemetry", "task_id", t.TaskID, "delivery_id", deliveryID, "error", persistErr)
		}

		if err == nil && status >= 200 && status < 300 {
			metrics.WebhookAttempts.WithLabelValues("success").Inc()
			return
		}

		metrics.WebhookAttempts.WithLabelValues("failure").Inc()
		cause := err
		if cause == nil {
			cause = fmt.Errorf("non-2xx response: %d", status)
		}
		wrapped := &apperr.WebhookError{TaskID: t.TaskID, Cause: cause}
		n.log.Warn("webhook delivery attempt failed",
			"task_id", t.TaskID, "delivery_id", deliveryID, "attempt", attempt, "status", status, "error", wrapped)

		if attempt < n.cfg.MaxRetries {
			delay := n.cfg.RetryDelay * time.Duration(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	n.log.Error("webhook delivery exhausted retries", "task_id", t.TaskID, "delivery_id", deliveryID, "last_status", lastStatus)
}

// attempt performs one POST. A returned status of 0 means the request
// never reached the server (transport failure), matching spec.md §4.6's
// "0 for transport failures" telemetry convention. X-Webhook-Delivery lets
// the receiver deduplicate retried attempts of the same delivery.
func (n *Notifier) attempt(ctx context.Context, url string, body []byte, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

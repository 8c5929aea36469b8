// Package metrics exposes the operational counters/gauges for the task
// lifecycle engine, grounded on mattcburns-shoal-provision's
// internal/provisioner/metrics package (a registry-scoped set of
// CounterVec/HistogramVec/GaugeFunc values registered at init, served via
// promhttp).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	Registry = prometheus.NewRegistry()

	TasksAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_tasks_admitted_total",
		Help: "Total number of tasks admitted via POST /tasks.",
	})

	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_tasks_completed_total",
		Help: "Total number of tasks reaching a terminal state, by outcome.",
	}, []string{"status"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conversion_queue_depth",
		Help: "Number of tasks currently waiting in the in-process job queue.",
	})

	WebhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_webhook_attempts_total",
		Help: "Webhook delivery attempts, by outcome (success/failure).",
	}, []string{"outcome"})

	VisionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conversion_vision_calls_total",
		Help: "VisionClient description calls, by outcome (success/failure).",
	}, []string{"outcome"})

	JanitorSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_janitor_sweeps_total",
		Help: "Total number of janitor sweeps started, including ones that failed to list expired tasks.",
	})

	JanitorExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conversion_janitor_expired_total",
		Help: "Total number of tasks moved to expired by the janitor.",
	})
)

func init() {
	Registry.MustRegister(
		TasksAdmitted,
		TasksCompleted,
		QueueDepth,
		WebhookAttempts,
		VisionCalls,
		JanitorSweeps,
		JanitorExpired,
	)
}

// Handler returns the /metrics HTTP handler bound to Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskrelay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// BootstrapDuration tracks how long a workspace bootstrap takes.
	BootstrapDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskrelay_bootstrap_duration_seconds",
			Help:    "Workspace bootstrap duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// ShapeMessagesTotal counts shape-stream messages by table and kind.
	ShapeMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_shape_messages_total",
			Help: "Shape stream messages processed",
		},
		[]string{"table", "kind"},
	)

	// ShapeSkippedTotal counts change messages that were not applied.
	ShapeSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_shape_skipped_total",
			Help: "Shape stream change messages skipped by the reconcile policy",
		},
		[]string{"table", "reason"},
	)

	// ShapeCheckpointsTotal counts persisted resume cursors.
	ShapeCheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_shape_checkpoints_total",
			Help: "Shape stream cursors persisted at up-to-date",
		},
		[]string{"table"},
	)

	// ShapeReconnectsTotal counts reconnect attempts after transport failures.
	ShapeReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_shape_reconnects_total",
			Help: "Shape stream reconnect attempts",
		},
		[]string{"table"},
	)

	// ShapeResyncsTotal counts full resyncs caused by expired handles.
	ShapeResyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_shape_resyncs_total",
			Help: "Shape stream full resyncs",
		},
		[]string{"table"},
	)

	// ShapeStreamState reports the current stream state as a number.
	ShapeStreamState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskrelay_shape_stream_state",
			Help: "Shape stream state (0 idle, 1 streaming, 2 up-to-date, 3 disconnected)",
		},
		[]string{"table"},
	)

	// UpsertsTotal counts version-CAS upserts by kind and outcome.
	UpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_upserts_total",
			Help: "Version-CAS upserts",
		},
		[]string{"kind", "path", "outcome"},
	)

	// UpsertDuration tracks version-CAS upsert latency.
	UpsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskrelay_upsert_duration_seconds",
			Help:    "Version-CAS upsert duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"kind"},
	)

	// NATSRequestsTotal counts upsert requests received over NATS.
	NATSRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_nats_requests_total",
			Help: "Upsert requests received over NATS",
		},
		[]string{"kind", "outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordBootstrap records the outcome and duration of one bootstrap.
func RecordBootstrap(outcome string, duration float64) {
	BootstrapDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordUpsert records the outcome and duration of one version-CAS upsert.
func RecordUpsert(kind, path, outcome string, duration float64) {
	UpsertsTotal.WithLabelValues(kind, path, outcome).Inc()
	UpsertDuration.WithLabelValues(kind).Observe(duration)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ── HTTP request metrics (RED method) ──────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamatrack",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llamatrack",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamatrack",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// ── Scrape pipeline metrics ────────────────────────────────────────────

var (
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamatrack",
		Subsystem: "fetch",
		Name:      "total",
		Help:      "Total source fetch attempts.",
	}, []string{"endpoint", "status"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llamatrack",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Duration of source fetches in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamatrack",
		Subsystem: "pipeline",
		Name:      "records_total",
		Help:      "Records processed per upsert outcome.",
	}, []string{"outcome"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamatrack",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Completed scrape runs by status.",
	}, []string{"kind", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llamatrack",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Duration of whole scrape runs in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	LastRunTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "llamatrack",
		Subsystem: "pipeline",
		Name:      "last_run_timestamp",
		Help:      "Unix timestamp of the last successful run.",
	}, []string{"kind"})

	ProtocolsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamatrack",
		Subsystem: "pipeline",
		Name:      "protocols_tracked",
		Help:      "Protocols seen in the most recent full scrape.",
	})
)

// Package metrics exposes Prometheus collectors for the relay.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_relay"

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Ingest metrics
	ChunksReceived  prometheus.Counter
	ChunksDropped   prometheus.Counter
	SamplesIngested prometheus.Counter
	InvalidFrames   prometheus.Counter

	// Segmentation metrics
	Triggers        *prometheus.CounterVec
	UtteranceLength prometheus.Histogram

	// Pass metrics
	Passes        *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge

	// Artifact metrics
	CleanupFailures prometheus.Counter
}

// New creates all collectors on a private registry, which also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of connected clients",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of client connections accepted",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of client connections",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_received_total",
			Help:      "Total number of audio chunks received",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Audio chunks discarded because a pass was in flight",
		}),
		SamplesIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Total number of samples appended to utterance buffers",
		}),
		InvalidFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_frames_total",
			Help:      "Inbound frames that could not be decoded",
		}),

		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Utterance triggers by reason",
		}, []string{"reason"}),
		UtteranceLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_samples",
			Help:      "Samples per triggered utterance",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10), // ~0.1s to ~47s at 44.1kHz
		}),

		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Processing passes by outcome",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each processing stage",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}, []string{"stage"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "passes_in_flight",
			Help:      "Processing passes currently running",
		}),

		CleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_cleanup_failures_total",
			Help:      "Artifact deletions that failed",
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordSessionOpened increments the session counters
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClosed decrements active sessions and records the lifetime
func (m *Metrics) RecordSessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecordChunk counts one inbound chunk; dropped chunks were discarded
func (m *Metrics) RecordChunk(samples int, dropped bool) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	if dropped {
		m.ChunksDropped.Inc()
		return
	}
	m.SamplesIngested.Add(float64(samples))
}

// RecordInvalidFrame counts an undecodable inbound frame
func (m *Metrics) RecordInvalidFrame() {
	if m == nil {
		return
	}
	m.InvalidFrames.Inc()
}

// RecordTrigger counts a trigger and the size of its utterance
func (m *Metrics) RecordTrigger(reason string, samples int) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(reason).Inc()
	m.UtteranceLength.Observe(float64(samples))
}

// PassStarted marks a pass as running
func (m *Metrics) PassStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// PassFinished records the outcome ("success", "empty" or a failed stage name)
func (m *Metrics) PassFinished(outcome string) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Passes.WithLabelValues(outcome).Inc()
}

// ObserveStage records time spent in one stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordCleanupFailure counts a failed artifact deletion
func (m *Metrics) RecordCleanupFailure() {
	if m == nil {
		return
	}
	m.CleanupFailures.Inc()
}

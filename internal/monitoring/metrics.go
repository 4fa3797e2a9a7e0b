// Package monitoring exposes the service's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the message processor.
type Metrics struct {
	// Admission
	WebhooksReceived  prometheus.Counter
	GovernorDecisions *prometheus.CounterVec

	// Queue
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	QueueDepth    prometheus.Gauge
	DLQWaiting    prometheus.Gauge
	ApologiesSent prometheus.Counter

	// Semantic cache
	CacheLookups *prometheus.CounterVec
	CacheEntries prometheus.Gauge

	// Rule engine
	Instructions *prometheus.CounterVec

	// Tuner
	Adjustments *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		WebhooksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Inbound chat-platform webhooks",
		}),
		GovernorDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_decisions_total",
				Help: "Admission decisions by kind",
			},
			[]string{"decision"}, // PROCEED, SKIP_DUPLICATE, SKIP_RATE_LIMITED, ...
		),

		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_processed_total",
				Help: "Jobs finished by terminal state",
			},
			[]string{"state"}, // completed, failed
		),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock handler duration",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting in the main queue",
		}),
		DLQWaiting: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dlq_waiting",
			Help: "Records currently in the dead-letter queue",
		}),
		ApologiesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "apologies_sent_total",
			Help: "Apology messages sent after exhausted retries",
		}),

		CacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "semantic_cache_lookups_total",
				Help: "Cache lookups by outcome",
			},
			[]string{"outcome"}, // hit, miss, expired
		),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "semantic_cache_entries",
			Help: "Live entries in the semantic cache",
		}),

		Instructions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "instructions_built_total",
				Help: "Rule-engine instructions by target app",
			},
			[]string{"target_app"},
		),

		Adjustments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_adjustments_total",
				Help: "Threshold adjustments by lifecycle action",
			},
			[]string{"action"}, // APPLIED, PENDING_APPROVAL, APPROVED, REJECTED
		),
	}
}

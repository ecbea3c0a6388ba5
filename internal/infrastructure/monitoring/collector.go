package monitoring

import (
	"time"

	"callkit/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes call signaling metrics. It implements services.Metrics.
type Collector struct {
	callsStarted      *prometheus.CounterVec
	callOutcomes      *prometheus.CounterVec
	callsActive       prometheus.Gauge
	ringDuration      prometheus.Histogram
	candidatesDeduped prometheus.Counter
	sweepTransitions  prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		callsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_calls_started_total",
			Help: "Total number of call attempts started",
		}, []string{"kind"}),

		callOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_call_outcomes_total",
			Help: "Terminal call outcomes by end reason",
		}, []string{"reason"}),

		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_calls_active",
			Help: "Number of currently non-terminal call sessions",
		}),

		ringDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callkit_ring_duration_seconds",
			Help:    "Time from call creation to answer",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),

		candidatesDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callkit_candidates_deduped_total",
			Help: "Redelivered negotiation candidates dropped before the media engine",
		}),

		sweepTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callkit_sweep_transitions_total",
			Help: "Ringing sessions the cleanup sweep resolved to missed",
		}),
	}
}

func (c *Collector) RecordCallStarted(kind domain.MediaKind) {
	c.callsStarted.WithLabelValues(string(kind)).Inc()
	c.callsActive.Inc()
}

func (c *Collector) RecordCallOutcome(reason domain.EndReason) {
	c.callOutcomes.WithLabelValues(string(reason)).Inc()
	c.callsActive.Dec()
}

func (c *Collector) RecordRingDuration(d time.Duration) {
	c.ringDuration.Observe(d.Seconds())
}

func (c *Collector) RecordCandidateDeduped() {
	c.candidatesDeduped.Inc()
}

func (c *Collector) RecordSweepTransition() {
	c.sweepTransitions.Inc()
}

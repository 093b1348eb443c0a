// Package metrics registers the bridge's prometheus instruments.
// A nil *Set is valid and records nothing, so library packages can take an
// optional Set without guarding every observation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the instruments of one bridge process.
type Set struct {
	recordsAttempted prometheus.Counter
	recordsSucceeded prometheus.Counter
	recordsEnqueued  prometheus.Counter
	recordsDropped   *prometheus.CounterVec

	queueDepth    prometheus.Gauge
	watermarkUnix prometheus.Gauge

	cycleSeconds     prometheus.Histogram
	reconcileSeconds prometheus.Histogram

	crmCalls *prometheus.CounterVec

	planUpdates   prometheus.Counter
	planThrottled prometheus.Counter
}

// New builds a Set and registers it with |reg|.
func New(reg prometheus.Registerer) *Set {
	var s = &Set{
		recordsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomaflow_records_attempted_total",
			Help: "Canonical records handed to the reconciler.",
		}),
		recordsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomaflow_records_succeeded_total",
			Help: "Records fully reflected in the CRM.",
		}),
		recordsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomaflow_records_enqueued_total",
			Help: "Records pushed to the durable retry queue.",
		}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stomaflow_records_dropped_total",
			Help: "Records dropped without enqueue, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stomaflow_queue_depth",
			Help: "Items currently in the retry queue.",
		}),
		watermarkUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stomaflow_watermark_timestamp_seconds",
			Help: "Persisted source watermark as a unix timestamp.",
		}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stomaflow_cycle_duration_seconds",
			Help:    "Wall time of one full sync cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		reconcileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stomaflow_reconcile_duration_seconds",
			Help:    "Wall time of reconciling one record.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		crmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stomaflow_crm_calls_total",
			Help: "CRM HTTP calls by method and outcome.",
		}, []string{"method", "outcome"}),
		planUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomaflow_plan_updates_total",
			Help: "Treatment plan projections written to the CRM.",
		}),
		planThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomaflow_plan_throttled_total",
			Help: "Plan projections skipped by the per-appointment throttle.",
		}),
	}
	reg.MustRegister(
		s.recordsAttempted, s.recordsSucceeded, s.recordsEnqueued, s.recordsDropped,
		s.queueDepth, s.watermarkUnix,
		s.cycleSeconds, s.reconcileSeconds,
		s.crmCalls,
		s.planUpdates, s.planThrottled,
	)
	return s
}

func (s *Set) RecordAttempted() {
	if s != nil {
		s.recordsAttempted.Inc()
	}
}

func (s *Set) RecordSucceeded() {
	if s != nil {
		s.recordsSucceeded.Inc()
	}
}

func (s *Set) RecordEnqueued() {
	if s != nil {
		s.recordsEnqueued.Inc()
	}
}

func (s *Set) RecordDropped(reason string) {
	if s != nil {
		s.recordsDropped.WithLabelValues(reason).Inc()
	}
}

func (s *Set) SetQueueDepth(n int) {
	if s != nil {
		s.queueDepth.Set(float64(n))
	}
}

func (s *Set) SetWatermarkUnix(unix int64) {
	if s != nil {
		s.watermarkUnix.Set(float64(unix))
	}
}

func (s *Set) ObserveCycle(seconds float64) {
	if s != nil {
		s.cycleSeconds.Observe(seconds)
	}
}

func (s *Set) ObserveReconcile(seconds float64) {
	if s != nil {
		s.reconcileSeconds.Observe(seconds)
	}
}

func (s *Set) CRMCall(method, outcome string) {
	if s != nil {
		s.crmCalls.WithLabelValues(method, outcome).Inc()
	}
}

func (s *Set) PlanUpdated() {
	if s != nil {
		s.planUpdates.Inc()
	}
}

func (s *Set) PlanThrottled() {
	if s != nil {
		s.planThrottled.Inc()
	}
}

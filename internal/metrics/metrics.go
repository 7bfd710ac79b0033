// Package metrics holds the prometheus collectors shared by convoy components.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "convoy"

// Metrics is the set of collectors for one process.
type Metrics struct {
	CacheRequests      *prometheus.CounterVec
	AdmissionDecisions *prometheus.CounterVec
	Charges            *prometheus.CounterVec
	ChargedMicros      *prometheus.CounterVec
	IngestEvents       *prometheus.CounterVec
	BatchesFlushed     *prometheus.CounterVec
	BatchOutcomes      *prometheus.CounterVec
	BatchRetries       prometheus.Counter
	BatchDuration      prometheus.Histogram
	Reconciliation     prometheus.Counter
	CancellationCharge prometheus.Counter
	SyncCorrections    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache operations by namespace and result (hit, miss, write, bypass, error).",
		}, []string{"namespace", "result"}),
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission checks by decision.",
		}, []string{"decision"}),
		Charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_total",
			Help:      "Charge attempts by kind and result (applied, duplicate, failed).",
		}, []string{"kind", "result"}),
		ChargedMicros: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_micros_total",
			Help:      "Sum of applied positive charges in micro-units, by kind.",
		}, []string{"kind"}),
		IngestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_events_total",
			Help:      "Inbound events by normalization result.",
		}, []string{"result"}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches flushed by trigger.",
		}, []string{"trigger"}),
		BatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_outcomes_total",
			Help:      "Batches reaching a terminal status.",
		}, []string{"status"}),
		BatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Batch attempts retried after a transient failure.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_seconds",
			Help:      "Wall time from flush to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_incidents_total",
			Help:      "Paid operations that completed but could not be charged.",
		}),
		CancellationCharge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellation_estimates_total",
			Help:      "Partial-cost estimates applied for cancelled generations.",
		}),
		SyncCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_corrections_total",
			Help:      "Cached balances corrected from the durable store.",
		}),
	}

	reg.MustRegister(
		m.CacheRequests,
		m.AdmissionDecisions,
		m.Charges,
		m.ChargedMicros,
		m.IngestEvents,
		m.BatchesFlushed,
		m.BatchOutcomes,
		m.BatchRetries,
		m.BatchDuration,
		m.Reconciliation,
		m.CancellationCharge,
		m.SyncCorrections,
	)
	return m
}

func (m *Metrics) CacheResult(ns, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(ns, result).Inc()
}

func (m *Metrics) Admission(admitted bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if admitted {
		decision = "admitted"
	}
	m.AdmissionDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Charge(kind, result string, micros int64) {
	if m == nil {
		return
	}
	m.Charges.WithLabelValues(kind, result).Inc()
	if result == "applied" && micros > 0 {
		m.ChargedMicros.WithLabelValues(kind).Add(float64(micros))
	}
}

func (m *Metrics) Ingest(result string) {
	if m == nil {
		return
	}
	m.IngestEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) Flushed(trigger string) {
	if m == nil {
		return
	}
	m.BatchesFlushed.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Outcome(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.BatchOutcomes.WithLabelValues(status).Inc()
	m.BatchDuration.Observe(took.Seconds())
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.BatchRetries.Inc()
}

func (m *Metrics) ReconciliationIncident() {
	if m == nil {
		return
	}
	m.Reconciliation.Inc()
}

func (m *Metrics) CancellationEstimate() {
	if m == nil {
		return
	}
	m.CancellationCharge.Inc()
}

func (m *Metrics) SyncCorrected(n int) {
	if m == nil {
		return
	}
	m.SyncCorrections.Add(float64(n))
}

package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus series the /metrics endpoint
// exposes: verdict counts by tier and outcome, lock contention, and
// journal append latency.
type Metrics struct {
	// Verdicts counts before_tool_call outcomes.
	// Labels: tier (0-4), kind (allow|pause|block)
	Verdicts *prometheus.CounterVec

	// LockOutcomes counts AcquireLock results of the /lock RPC.
	// Labels: outcome (acquired|conflict); a holder's refresh counts as
	// acquired.
	LockOutcomes *prometheus.CounterVec

	// JournalAppendDuration measures the latency in seconds of the
	// AppendJournal made by the /complete RPC.
	// Labels: action (complete|failed)
	JournalAppendDuration *prometheus.HistogramVec

	// ActiveLocks is a gauge of locks currently held, refreshed on
	// every sweep.
	ActiveLocks prometheus.Gauge

	// SweepResults counts maintenance sweeper outcomes.
	// Labels: kind (locksExpired|contextsPruned|journalRotated)
	SweepResults *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus series with the
// default registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		Verdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callosum_verdicts_total",
				Help: "Total before_tool_call verdicts by tier and outcome",
			},
			[]string{"tier", "kind"},
		),
		LockOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callosum_lock_outcomes_total",
				Help: "Total lock acquire attempts by outcome",
			},
			[]string{"outcome"},
		),
		JournalAppendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callosum_journal_append_duration_seconds",
				Help:    "Duration of journal append operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"action"},
		),
		ActiveLocks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "callosum_active_locks",
				Help: "Current number of active advisory locks",
			},
		),
		SweepResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callosum_sweep_results_total",
				Help: "Totals of items pruned by the maintenance sweeper",
			},
			[]string{"kind"},
		),
	}
}

// RecordVerdict increments the verdict counter.
func (m *Metrics) RecordVerdict(tier int, kind string) {
	m.Verdicts.WithLabelValues(tierLabel(tier), kind).Inc()
}

// RecordLockOutcome increments the lock outcome counter.
func (m *Metrics) RecordLockOutcome(outcome string) {
	m.LockOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveJournalAppend records an AppendJournal call's latency.
func (m *Metrics) ObserveJournalAppend(action string, seconds float64) {
	m.JournalAppendDuration.WithLabelValues(action).Observe(seconds)
}

// RecordSweep records a maintenance sweep's pruning counts.
func (m *Metrics) RecordSweep(locksExpired, contextsPruned int, journalRotated bool) {
	if locksExpired > 0 {
		m.SweepResults.WithLabelValues("locksExpired").Add(float64(locksExpired))
	}
	if contextsPruned > 0 {
		m.SweepResults.WithLabelValues("contextsPruned").Add(float64(contextsPruned))
	}
	if journalRotated {
		m.SweepResults.WithLabelValues("journalRotated").Inc()
	}
}

func tierLabel(t int) string {
	if t < 0 || t > 4 {
		return "unknown"
	}
	return strconv.Itoa(t)
}

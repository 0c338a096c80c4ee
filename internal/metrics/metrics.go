// Package metrics holds Kimberlite's process-wide Prometheus
// collectors (§9 "every observable counter is monotonically
// increasing" realized as real counters/gauges rather than
// package-global atomics, matching the way erigon registers its own
// metrics against a shared registry instead of hand-rolling counters).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the collector registry every component registers
// against. A dedicated registry (rather than prometheus.DefaultRegisterer)
// keeps test processes from colliding on global registration.
var Registry = prometheus.NewRegistry()

var (
	AppendBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "storage",
		Name:      "append_batches_total",
		Help:      "Number of AppendBatch calls, by outcome.",
	}, []string{"outcome"})

	AppendedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "storage",
		Name:      "appended_events_total",
		Help:      "Total number of events appended across all streams.",
	})

	ChainVerificationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "storage",
		Name:      "chain_verification_failures_total",
		Help:      "Number of hash chain verification failures detected on read.",
	})

	ScrubCorruptEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "scrub",
		Name:      "corrupt_entries_total",
		Help:      "Number of log entries the scrub tour found with a failed checksum.",
	})

	ScrubTourCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "scrub",
		Name:      "tour_completions_total",
		Help:      "Number of times the scrub cursor has wrapped back to the start of the log.",
	})

	VSRViewChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "vsr",
		Name:      "view_changes_total",
		Help:      "Number of view changes this replica has initiated or completed.",
	})

	VSRCurrentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kimberlite",
		Subsystem: "vsr",
		Name:      "current_view",
		Help:      "The replica's current view number.",
	})

	VSRCommitNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kimberlite",
		Subsystem: "vsr",
		Name:      "commit_number",
		Help:      "The replica's current commit number.",
	})

	VSRRepairRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "vsr",
		Name:      "repair_requests_total",
		Help:      "Repair requests issued, by peer.",
	}, []string{"peer"})

	ClockSynchronizeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "clock",
		Name:      "synchronize_attempts_total",
		Help:      "Clock synchronization attempts, by outcome.",
	}, []string{"outcome"})

	SessionCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kimberlite",
		Subsystem: "session",
		Name:      "committed_sessions",
		Help:      "Number of committed sessions currently cached.",
	})

	QueryPlansChosen = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kimberlite",
		Subsystem: "query",
		Name:      "plans_chosen_total",
		Help:      "Query plans chosen, by plan kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		AppendBatches,
		AppendedEvents,
		ChainVerificationFailures,
		ScrubCorruptEntries,
		ScrubTourCompletions,
		VSRViewChanges,
		VSRCurrentView,
		VSRCommitNumber,
		VSRRepairRequests,
		ClockSynchronizeAttempts,
		SessionCacheSize,
		QueryPlansChosen,
	)
}

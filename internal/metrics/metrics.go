// Package metrics defines the Prometheus collectors published by every
// component of the controller. A single registry is built in cmd/automerge
// and every component receives the already-constructed collectors rather
// than reaching for package-level globals, so tests can use independent
// registries.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the controller publishes.
type Metrics struct {
	StoreOpDuration *prometheus.HistogramVec
	StoreOpErrors   *prometheus.CounterVec

	QueueDepth     *prometheus.GaugeVec
	QueueOldestAge *prometheus.GaugeVec
	QueueDeduped   *prometheus.CounterVec
	QueueDeferred  *prometheus.CounterVec
	QueueStarved   *prometheus.CounterVec
	QueueDLQ       *prometheus.CounterVec

	ThrottleActive *prometheus.GaugeVec

	DrainOutcomes *prometheus.CounterVec
}

// New constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "automerge",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of individual store adapter operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		StoreOpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automerge",
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Store operations that returned an error.",
		}, []string{"op"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "automerge",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of items currently queued for a repo.",
		}, []string{"installation", "repo"}),
		QueueOldestAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "automerge",
			Subsystem: "queue",
			Name:      "oldest_age_seconds",
			Help:      "Age in seconds of the oldest item at the head of a repo's queue.",
		}, []string{"installation", "repo"}),
		QueueDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automerge",
			Subsystem: "queue",
			Name:      "deduped_total",
			Help:      "Enqueue calls dropped because the PR number was already queued.",
		}, []string{"installation", "repo"}),
		QueueDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automerge",
			Subsystem: "queue",
			Name:      "deferred_total",
			Help:      "Pop calls that returned an item to the tail because not_before had not elapsed.",
		}, []string{"installation", "repo"}),
		QueueStarved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automerge",
			Subsystem: "queue",
			Name:      "starvation_total",
			Help:      "Items requeued to the tail without retry bump due to exceeding the item processing window.",
		}, []string{"installation", "repo"}),
		QueueDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automerge",
			Subsystem: "queue",
			Name:      "dead_lettered_total",
			Help:      "Items sent to the dead-letter queue.",
		}, []string{"installation", "repo"}),
		ThrottleActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "automerge",
			Subsystem: "throttle",
			Name:      "active",
			Help:      "1 if an installation currently has an active backpressure marker, else 0.",
		}, []string{"installation"}),
		DrainOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automerge",
			Subsystem: "drain",
			Name:      "outcomes_total",
			Help:      "Merge state machine outcomes classified by the drain loop.",
		}, []string{"installation", "repo", "outcome"}),
	}

	reg.MustRegister(
		m.StoreOpDuration, m.StoreOpErrors,
		m.QueueDepth, m.QueueOldestAge, m.QueueDeduped, m.QueueDeferred, m.QueueStarved, m.QueueDLQ,
		m.ThrottleActive, m.DrainOutcomes,
	)
	return m
}

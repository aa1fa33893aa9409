// Package metrics exposes the daemon's Prometheus counters and gauges.
//
// gcsfuse wires github.com/prometheus/client_golang throughout its
// storage path, and an LRU-eviction daemon is exactly the kind of
// component an operator wants depth/thrash/outcome counters for.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the daemon's collectors so package cmd can
// register them against a single prometheus.Registerer and internal/daemon
// can update them without importing the prometheus API directly.
type Registry struct {
	QueueDepth  prometheus.Gauge
	QueueThrash prometheus.Gauge

	CullAttempts   *prometheus.CounterVec // label "outcome": drained|empty|thrash_limit|error
	FsckRuns       *prometheus.CounterVec // label "mode": online|offline
	FsckRepairs    *prometheus.CounterVec // label "phase": table1|tree|table2
	ReapsCompleted prometheus.Counter
}

// New constructs a Registry with the cachefilesd_ namespace.
func New() *Registry {
	return &Registry{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachefilesd",
			Subsystem: "cullqueue",
			Name:      "depth",
			Help:      "Number of entries currently queued for culling.",
		}),
		QueueThrash: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachefilesd",
			Subsystem: "cullqueue",
			Name:      "thrash",
			Help:      "Consecutive fruitless drain count.",
		}),
		CullAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefilesd",
			Subsystem: "cullqueue",
			Name:      "attempts_total",
			Help:      "Cull drain attempts by outcome.",
		}, []string{"outcome"}),
		FsckRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefilesd",
			Subsystem: "fsck",
			Name:      "runs_total",
			Help:      "Fsck runs by mode.",
		}, []string{"mode"}),
		FsckRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachefilesd",
			Subsystem: "fsck",
			Name:      "repairs_total",
			Help:      "Fsck repair actions by phase.",
		}, []string{"phase"}),
		ReapsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachefilesd",
			Subsystem: "graveyard",
			Name:      "reaps_total",
			Help:      "Completed graveyard reap passes.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on
// duplicate registration the way gcsfuse's metrics setup does at
// startup (a programmer error, not a runtime condition to recover from).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.QueueDepth, r.QueueThrash, r.CullAttempts, r.FsckRuns, r.FsckRepairs, r.ReapsCompleted)
}

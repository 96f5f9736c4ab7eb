package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Save path labels.
const (
	pathSync      = "sync"
	pathAsync     = "async"
	pathBulk      = "bulk"
	pathAutosave  = "autosave"
	pathEmergency = "emergency"
)

// Skip reason labels.
const (
	skipUnchanged = "unchanged"
	skipCooldown  = "cooldown"
)

// Load source labels.
const (
	sourceCache   = "cache"
	sourceBackend = "backend"
	sourceMiss    = "miss"
)

// metrics groups the engine's Prometheus collectors.
type metrics struct {
	savesTotal   *prometheus.CounterVec
	savesSkipped *prometheus.CounterVec
	saveFailures prometheus.Counter

	loadsTotal   *prometheus.CounterVec
	loadFailures prometheus.Counter

	batchFlushes prometheus.Counter
	batchWrites  prometheus.Counter
	batchDropped prometheus.Counter

	emergencyRuns     prometheus.Counter
	emergencyFailures prometheus.Counter

	autosaveSweeps prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		savesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "saves_total",
			Help:      "Snapshots written to the backend, by save path",
		}, []string{"path"}),

		savesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "saves_skipped_total",
			Help:      "Save requests skipped before reaching the backend",
		}, []string{"reason"}),

		saveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "save_failures_total",
			Help:      "Backend save attempts that failed",
		}),

		loadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "loads_total",
			Help:      "Snapshot loads, by source",
		}, []string{"source"}),

		loadFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "load_failures_total",
			Help:      "Snapshot loads that failed",
		}),

		batchFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "batch_flushes_total",
			Help:      "Coalesced batch flushes issued to the backend",
		}),

		batchWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "batch_writes_total",
			Help:      "Snapshots written through coalesced batches",
		}),

		batchDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "batch_dropped_total",
			Help:      "Snapshots dropped because a batch flush failed",
		}),

		emergencyRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "emergency_saves_total",
			Help:      "Emergency save sweeps triggered by stall detection",
		}),

		emergencyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "emergency_failures_total",
			Help:      "Entities whose emergency save exhausted all retries",
		}),

		autosaveSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "playersync",
			Name:      "autosave_sweeps_total",
			Help:      "Completed autosave sweeps",
		}),
	}
}

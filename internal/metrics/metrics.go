// Package metrics exports the buffer cache, frame table, and swap store's
// counters as Prometheus collectors, the way talyz-systemd_exporter's
// Collector-per-subsystem pattern (systemd/systemd.go) and gcsfuse's
// metrics package both register a fixed set of counters/gauges at
// startup and let the default registry serve them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set groups every counter/gauge this module exports. A Set is meant to
// be constructed once per process and threaded into the cache, frame
// table, and swap store constructors.
type Set struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheWriteBack prometheus.Counter
	CacheReadAhead prometheus.Counter

	FrameEvictions prometheus.Counter
	FrameAllocs    prometheus.Counter

	SwapIns      prometheus.Counter
	SwapOuts     prometheus.Counter
	SwapSlotsUse prometheus.Gauge

	PageFaults *prometheus.CounterVec
}

// NewSet constructs a Set and registers it with reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps repeated construction in tests from panicking on duplicate
// registration.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "cache", Name: "hits_total",
			Help: "Buffer cache lookups that found a resident entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "cache", Name: "misses_total",
			Help: "Buffer cache lookups that required a block read.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "cache", Name: "evictions_total",
			Help: "Second-chance eviction cycles that reclaimed an entry.",
		}),
		CacheWriteBack: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "cache", Name: "writebacks_total",
			Help: "Dirty entries flushed to disk by write_back_all or by eviction.",
		}),
		CacheReadAhead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "cache", Name: "readahead_total",
			Help: "Sectors fetched speculatively by the read-ahead worker.",
		}),
		FrameEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "frame", Name: "evictions_total",
			Help: "Frames reclaimed by second-chance eviction.",
		}),
		FrameAllocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "frame", Name: "allocs_total",
			Help: "Frames handed out by frame_alloc.",
		}),
		SwapIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "swap", Name: "ins_total",
			Help: "Pages brought back in from a swap slot.",
		}),
		SwapOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "swap", Name: "outs_total",
			Help: "Pages spilled to a swap slot or written back to a file.",
		}),
		SwapSlotsUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corevm", Subsystem: "swap", Name: "slots_in_use",
			Help: "Swap slots currently occupied.",
		}),
		PageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corevm", Subsystem: "vm", Name: "page_faults_total",
			Help: "Page faults handled, labeled by the resolved page source.",
		}, []string{"source"}),
	}
	reg.MustRegister(
		s.CacheHits, s.CacheMisses, s.CacheEvictions, s.CacheWriteBack, s.CacheReadAhead,
		s.FrameEvictions, s.FrameAllocs,
		s.SwapIns, s.SwapOuts, s.SwapSlotsUse,
		s.PageFaults,
	)
	return s
}

// NewUnregisteredSet builds a Set registered only with a fresh private
// registry, for callers that construct many subsystems and don't want to
// wire up a shared one.
func NewUnregisteredSet() *Set {
	return NewSet(prometheus.NewRegistry())
}

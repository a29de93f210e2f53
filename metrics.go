package statehistory

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the collectors of one state history, labelled with the
// history name. Collectors are registered on the configured registerer, or
// left unregistered when it is nil. Registering a second time for the same
// history reuses the collectors already registered.
type metrics struct {
	intervalsInserted  prometheus.Counter
	intervalsDiscarded prometheus.Counter
	nodesWritten       prometheus.Counter
	nodeCacheHits      prometheus.Counter
	nodeCacheMisses    prometheus.Counter
	checkpoints        prometheus.Counter
	queries            *prometheus.CounterVec
	lookups            *prometheus.CounterVec
	replays            prometheus.Counter
	replayDuration     prometheus.Histogram
	queueDepth         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, history string) *metrics {
	labels := prometheus.Labels{"history": history}
	counter := func(name, help string) prometheus.Counter {
		return register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}))
	}
	return &metrics{
		intervalsInserted:  counter("statehistory_intervals_inserted_total", "Intervals written to the history backend"),
		intervalsDiscarded: counter("statehistory_intervals_discarded_total", "Intervals dropped by the partial backend"),
		nodesWritten:       counter("statehistory_nodes_written_total", "History tree nodes written to disk"),
		nodeCacheHits:      counter("statehistory_node_cache_hits_total", "History tree node reads served from the node cache"),
		nodeCacheMisses:    counter("statehistory_node_cache_misses_total", "History tree node reads that went to disk"),
		checkpoints:        counter("statehistory_checkpoints_total", "Checkpoints recorded by the partial backend"),
		replays:            counter("statehistory_replays_total", "Event replays driven by partial backend queries"),
		queries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "statehistory_queries_total",
			Help:        "Queries by kind",
			ConstLabels: labels,
		}, []string{"kind"})), // "full" or "single"
		lookups: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "statehistory_partial_lookups_total",
			Help:        "Partial backend single queries by resolving strategy",
			ConstLabels: labels,
		}, []string{"strategy"})), // "floor", "ceiling", "cache" or "replay"
		replayDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "statehistory_replay_duration_seconds",
			Help:        "Duration of partial backend replays in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
			ConstLabels: labels,
		})),
		queueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "statehistory_queue_depth",
			Help:        "Intervals waiting in the threaded backend queue",
			ConstLabels: labels,
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

package devqueue

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollectors returns a set of prometheus.Collector wrapping
// m's internal/stats counters and queue depths, ready to pass to
// prometheus.Registry.MustRegister. Each collector reads m.Stats() on
// every scrape rather than caching, so it always reflects the current
// snapshot.
//
// Grounded on the teacher's metrics.go (MetricsSnapshot atomic
// counters) extended with github.com/prometheus/client_golang, the
// metrics dependency shared by Jeeves-Cluster-Organization-jeeves-core
// and ghjramos-aistore in the retrieval pack (SPEC_FULL.md section 10).
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	namespace := "devqueue"

	processed := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_processed_total",
		Help:      "Total commands that reached a terminal state.",
	}, func() float64 { return float64(m.Stats().TotalProcessed) })

	errorsTotal := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_errors_total",
		Help:      "Total commands that reached StateFailed or StateTimedOut.",
	}, func() float64 { return float64(m.Stats().TotalErrors) })

	reconnects := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Total worker reconnect attempts.",
	}, func() float64 { return float64(m.Stats().ReconnectAttempts) })

	connected := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "1 if the adapter is currently connected, 0 otherwise.",
	}, func() float64 {
		if m.Stats().Connected {
			return 1
		}
		return 0
	})

	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Total queued commands across all priorities.",
	}, func() float64 {
		s := m.Stats()
		return float64(s.QueueDepthLow + s.QueueDepthNormal + s.QueueDepthHigh)
	})

	depthHigh := newPriorityDepthCollector(namespace, "high", func() float64 { return float64(m.Stats().QueueDepthHigh) })
	depthNormal := newPriorityDepthCollector(namespace, "normal", func() float64 { return float64(m.Stats().QueueDepthNormal) })
	depthLow := newPriorityDepthCollector(namespace, "low", func() float64 { return float64(m.Stats().QueueDepthLow) })

	return []prometheus.Collector{
		processed, errorsTotal, reconnects, connected, depth,
		depthHigh, depthNormal, depthLow,
	}
}

func newPriorityDepthCollector(namespace, priority string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth_by_priority",
		Help:        "Queued commands for a single priority.",
		ConstLabels: prometheus.Labels{"priority": priority},
	}, fn)
}

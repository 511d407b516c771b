package topology

import metrics "github.com/armon/go-metrics"

// metricsSink wraps an optional *metrics.Metrics instance. Every call is a
// synchronous in-memory counter bump; no network export is wired here, the
// surrounding process owns whatever sink (statsd, Prometheus, etc) consumes
// the samples. A zero-value sink is a safe no-op so tests never need one.
type metricsSink struct {
	m *metrics.Metrics
}

func newMetricsSink(m *metrics.Metrics) metricsSink {
	return metricsSink{m: m}
}

func (s metricsSink) incr(name ...string) {
	if s.m == nil {
		return
	}
	s.m.IncrCounter(name, 1)
}

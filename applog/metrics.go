package applog

import "github.com/prometheus/client_golang/prometheus"

// Metrics of one append log. Labels become const labels of every metric,
// so logs with distinct labels can share a registry.
type Metrics struct {
	PutBatches  prometheus.Counter
	PutItems    prometheus.Counter
	PutBytes    prometheus.Counter
	PutDuration prometheus.Histogram
}

func NewMetrics(labels prometheus.Labels) *Metrics {
	return &Metrics{
		PutBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "applog",
			Name:        "put_batches",
			ConstLabels: labels,
		}),
		PutItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "applog",
			Name:        "put_items",
			ConstLabels: labels,
		}),
		PutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "applog",
			Name:        "put_bytes",
			ConstLabels: labels,
		}),
		PutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tank",
			Subsystem:   "applog",
			Name:        "put_duration",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.PutBatches, m.PutItems, m.PutBytes, m.PutDuration}
}

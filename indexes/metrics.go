package indexes

import "github.com/prometheus/client_golang/prometheus"

// Metrics of one index worker. Labels are attached to every metric as
// const labels.
type Metrics struct {
	IndexedRows     *prometheus.CounterVec
	NormFailures    *prometheus.CounterVec
	IndexLag        *prometheus.GaugeVec
	PurgedEntries   prometheus.Counter
	ScanDuration    prometheus.Histogram
	WorkerErrors    *prometheus.CounterVec
	WorkerState     prometheus.Gauge // 0 idle, 1 busy, 2 stopped
	CommandDuration *prometheus.HistogramVec
	CommandTimeouts *prometheus.CounterVec
}

func NewMetrics(labels prometheus.Labels) *Metrics {
	return &Metrics{
		IndexedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "indexed_rows",
			ConstLabels: labels,
		}, []string{"index"}),
		NormFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "norm_failures",
			ConstLabels: labels,
		}, []string{"index"}),
		IndexLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "lag",
			ConstLabels: labels,
		}, []string{"index"}),
		PurgedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "purged_entries",
			ConstLabels: labels,
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "scan_duration",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			ConstLabels: labels,
		}),
		WorkerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "worker_errors",
			ConstLabels: labels,
		}, []string{"stage"}),
		WorkerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "worker_state",
			ConstLabels: labels,
		}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "command_duration",
			Buckets:     []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
			ConstLabels: labels,
		}, []string{"command"}),
		CommandTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "tank",
			Subsystem:   "indexes",
			Name:        "command_timeouts",
			ConstLabels: labels,
		}, []string{"command"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.IndexedRows, m.NormFailures, m.IndexLag, m.PurgedEntries, m.ScanDuration,
		m.WorkerErrors, m.WorkerState, m.CommandDuration, m.CommandTimeouts,
	}
}

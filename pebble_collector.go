package tank

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector exports compaction, memtable and WAL metrics of one
// pebble store. labels become const labels of every metric.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB, labels prometheus.Labels) *PebbleCollector {
	metric := func(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
		return pebbleMetric{
			desc:  prometheus.NewDesc("tank_pebble_"+name, help, nil, labels),
			kind:  kind,
			value: value,
		}
	}
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			metric("compaction_count_total", "Total number of compactions performed", counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			metric("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			metric("compaction_in_progress_bytes", "Bytes being compacted currently", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			metric("memtable_size_bytes", "Current size of the memtable in bytes", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			metric("memtable_count", "Current count of memtables", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			metric("wal_files", "Number of live WAL files", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			metric("wal_size_bytes", "Size of live WAL data in bytes", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			metric("wal_bytes_written_total", "Total physical bytes written to the WAL", counter,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
			metric("disk_usage_bytes", "Total disk space used by the store", gauge,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
			metric("block_cache_hits_total", "Block cache hits", counter,
				func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Hits) }),
			metric("block_cache_misses_total", "Block cache misses", counter,
				func(m *pebble.Metrics) float64 { return float64(m.BlockCache.Misses) }),
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(metrics))
	}
}

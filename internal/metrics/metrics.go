// Package metrics exposes engine statistics as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Hk669/snailDB/pkg/engine"
)

// StatsFunc supplies a point-in-time snapshot of engine statistics.
type StatsFunc func() engine.Stats

// Collector adapts engine stats to the Prometheus collect model. All
// metrics are read fresh from the engine on every scrape.
type Collector struct {
	stats StatsFunc

	levelFiles      *prometheus.Desc
	levelBytes      *prometheus.Desc
	totalBytes      *prometheus.Desc
	memtableBytes   *prometheus.Desc
	sealedMemtables *prometheus.Desc
	bloomNegatives  *prometheus.Desc
	bloomPositives  *prometheus.Desc
	bloomFalsePos   *prometheus.Desc
	compactions     *prometheus.Desc
}

func NewCollector(stats StatsFunc) *Collector {
	return &Collector{
		stats: stats,
		levelFiles: prometheus.NewDesc(
			"snaildb_level_files", "SSTable count per level.", []string{"level"}, nil),
		levelBytes: prometheus.NewDesc(
			"snaildb_level_bytes", "SSTable bytes per level.", []string{"level"}, nil),
		totalBytes: prometheus.NewDesc(
			"snaildb_total_bytes", "Total SSTable bytes.", nil, nil),
		memtableBytes: prometheus.NewDesc(
			"snaildb_memtable_bytes", "Approximate active memtable size.", nil, nil),
		sealedMemtables: prometheus.NewDesc(
			"snaildb_sealed_memtables", "Sealed memtables awaiting flush.", nil, nil),
		bloomNegatives: prometheus.NewDesc(
			"snaildb_bloom_negatives_total", "Table probes skipped by bloom filters.", nil, nil),
		bloomPositives: prometheus.NewDesc(
			"snaildb_bloom_positives_total", "Table probes passed by bloom filters.", nil, nil),
		bloomFalsePos: prometheus.NewDesc(
			"snaildb_bloom_false_positives_total", "Bloom passes that found no entry.", nil, nil),
		compactions: prometheus.NewDesc(
			"snaildb_compactions_total", "Completed compaction cycles.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.levelFiles
	ch <- c.levelBytes
	ch <- c.totalBytes
	ch <- c.memtableBytes
	ch <- c.sealedMemtables
	ch <- c.bloomNegatives
	ch <- c.bloomPositives
	ch <- c.bloomFalsePos
	ch <- c.compactions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	for i, l := range st.Levels {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.levelFiles, prometheus.GaugeValue, float64(l.Files), label)
		ch <- prometheus.MustNewConstMetric(c.levelBytes, prometheus.GaugeValue, float64(l.Bytes), label)
	}
	ch <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.GaugeValue, float64(st.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.memtableBytes, prometheus.GaugeValue, float64(st.MemtableBytes))
	ch <- prometheus.MustNewConstMetric(c.sealedMemtables, prometheus.GaugeValue, float64(st.SealedMemtables))
	ch <- prometheus.MustNewConstMetric(c.bloomNegatives, prometheus.CounterValue, float64(st.BloomNegatives))
	ch <- prometheus.MustNewConstMetric(c.bloomPositives, prometheus.CounterValue, float64(st.BloomPositives))
	ch <- prometheus.MustNewConstMetric(c.bloomFalsePos, prometheus.CounterValue, float64(st.BloomFalsePositives))
	ch <- prometheus.MustNewConstMetric(c.compactions, prometheus.CounterValue, float64(st.CompactionsCompleted))
}

// NewRegistry returns a registry with the engine collector and the
// standard Go process collectors installed.
func NewRegistry(stats StatsFunc) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(stats))
	return reg
}

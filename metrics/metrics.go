// Package metrics exposes the Prometheus gauges the split cache table
// updates as splits move between the candidate, downloading and on-disk
// sets, plus one for its FD pool. The two on-disk gauges mirror the Rust
// original's crate::metrics::STORAGE_METRICS.searcher_split_cache gauges
// (in_cache_count, in_cache_num_bytes).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SplitCacheMetrics groups the gauges for a single split cache table. A
// fresh instance should be registered against a *prometheus.Registry by the
// process embedding the table; tests can use NewSplitCacheMetrics with
// prometheus.NewRegistry() to avoid colliding with the default registry.
type SplitCacheMetrics struct {
	InCacheCount    prometheus.Gauge
	InCacheNumBytes prometheus.Gauge
	Candidates      prometheus.Gauge
	Downloading     prometheus.Gauge
	OpenFileHandles prometheus.Gauge
}

// NewSplitCacheMetrics builds the gauge set and registers it against reg.
func NewSplitCacheMetrics(reg prometheus.Registerer) *SplitCacheMetrics {
	m := &SplitCacheMetrics{
		InCacheCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "searcher",
			Subsystem: "split_cache",
			Name:      "in_cache_count",
			Help:      "Number of splits currently present on local disk.",
		}),
		InCacheNumBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "searcher",
			Subsystem: "split_cache",
			Name:      "in_cache_num_bytes",
			Help:      "Total size in bytes of splits currently present on local disk.",
		}),
		Candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "searcher",
			Subsystem: "split_cache",
			Name:      "candidates",
			Help:      "Number of splits known about but not yet downloaded.",
		}),
		Downloading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "searcher",
			Subsystem: "split_cache",
			Name:      "downloading",
			Help:      "Number of splits currently being downloaded.",
		}),
		OpenFileHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "searcher",
			Subsystem: "split_cache",
			Name:      "open_file_handles",
			Help:      "Number of file handles in the FD pool's cache, sampled after each fresh open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InCacheCount, m.InCacheNumBytes, m.Candidates, m.Downloading, m.OpenFileHandles)
	}
	return m
}

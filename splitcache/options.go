package splitcache

import (
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quiverstack/splitcache/internal/persist"
	"github.com/quiverstack/splitcache/metrics"
)

// Option configures optional, non-load-bearing parts of a SplitTable:
// logging destination and metrics registration. Every SplitTable works
// correctly with no options at all.
type Option func(*SplitTable)

// WithLogOutput directs the table's logger at w instead of os.Stderr.
func WithLogOutput(w io.Writer, debug bool) Option {
	return func(t *SplitTable) {
		t.log = persist.NewLogger(w, "[splitcache] ", debug)
	}
}

// WithMetricsRegisterer registers the table's Prometheus gauges against reg
// instead of leaving them unregistered (the default, so unit tests don't
// collide on the global registry).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(t *SplitTable) {
		t.metrics = metrics.NewSplitCacheMetrics(reg)
	}
}

func defaultOptions() []Option {
	return []Option{
		WithLogOutput(os.Stderr, false),
		WithMetricsRegisterer(nil),
	}
}

// Package metrics provides Prometheus metrics for build observability:
// rows converted and rejected per file, batches flushed, and build
// duration. Collectors register against an injectable registerer so tests
// can use isolated registries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector wraps the Prometheus metrics recorded during a build.
type Collector struct {
	rowsConverted *prometheus.CounterVec
	rowsRejected  *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
	buildDuration prometheus.Histogram
	filesTotal    prometheus.Counter
}

// NewCollector creates and registers a collector. A nil registerer uses the
// default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		rowsConverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pufkit_rows_converted_total",
			Help: "Rows decoded and appended to the columnar sink, per input file.",
		}, []string{"file"}),
		rowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pufkit_rows_rejected_total",
			Help: "Rows rejected for width mismatch, per input file.",
		}, []string{"file"}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pufkit_batches_flushed_total",
			Help: "Batches flushed to the columnar sink, per input file.",
		}, []string{"file"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pufkit_build_duration_seconds",
			Help:    "Wall time of complete dataset builds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		filesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pufkit_files_converted_total",
			Help: "Input files fully converted.",
		}),
	}

	reg.MustRegister(c.rowsConverted, c.rowsRejected, c.batchesTotal, c.buildDuration, c.filesTotal)
	return c
}

// RowsConverted records converted rows for a file.
func (c *Collector) RowsConverted(file string, n int) {
	c.rowsConverted.WithLabelValues(file).Add(float64(n))
}

// RowsRejected records rejected rows for a file.
func (c *Collector) RowsRejected(file string, n int) {
	c.rowsRejected.WithLabelValues(file).Add(float64(n))
}

// BatchFlushed records one flushed batch for a file.
func (c *Collector) BatchFlushed(file string) {
	c.batchesTotal.WithLabelValues(file).Inc()
}

// FileConverted records one fully converted file.
func (c *Collector) FileConverted() {
	c.filesTotal.Inc()
}

// ObserveBuild records the duration of one build.
func (c *Collector) ObserveBuild(d time.Duration) {
	c.buildDuration.Observe(d.Seconds())
}

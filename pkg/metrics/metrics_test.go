package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RowsConverted("a.dat", 100)
	c.RowsConverted("a.dat", 50)
	c.RowsRejected("a.dat", 2)
	c.BatchFlushed("a.dat")
	c.BatchFlushed("a.dat")
	c.FileConverted()
	c.ObserveBuild(3 * time.Second)

	assert.Equal(t, 150.0,
		testutil.ToFloat64(c.rowsConverted.WithLabelValues("a.dat")))
	assert.Equal(t, 2.0,
		testutil.ToFloat64(c.rowsRejected.WithLabelValues("a.dat")))
	assert.Equal(t, 2.0,
		testutil.ToFloat64(c.batchesTotal.WithLabelValues("a.dat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.filesTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestCollectorIsolatedRegistries(t *testing.T) {
	// Two collectors on separate registries must not panic on registration.
	a := NewCollector(prometheus.NewRegistry())
	b := NewCollector(prometheus.NewRegistry())

	a.RowsConverted("x", 1)
	b.RowsConverted("x", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.rowsConverted.WithLabelValues("x")))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.rowsConverted.WithLabelValues("x")))
}

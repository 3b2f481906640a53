package convert

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// memSink collects written rows so conversion behavior can be asserted
// without touching a real columnar file.
type memSink struct {
	rows    [][]interface{}
	flushes int
}

func (m *memSink) WriteRow(values []interface{}) error {
	m.rows = append(m.rows, values)
	return nil
}

func (m *memSink) WriteRows(rows [][]interface{}) error {
	for _, r := range rows {
		row := make([]interface{}, len(r))
		copy(row, r)
		m.rows = append(m.rows, row)
	}
	return nil
}

func (m *memSink) Flush() error            { m.flushes++; return nil }
func (m *memSink) Close() error            { return nil }
func (m *memSink) Format() columnar.Format { return columnar.Parquet }
func (m *memSink) RowsWritten() int64      { return int64(len(m.rows)) }

func fixture(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.dat")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func fixtureLayout(t *testing.T) (*layout.RecordLayout, *schema.Unified, *schema.Alignment) {
	t.Helper()
	l := layout.NewRecordLayout("test", []layout.FieldSpec{
		{Name: "PRIMARY_SITE", Start: 0, Length: 4, DeclaredType: layout.TypeString},
		{Name: "TUMOR_SIZE", Start: 4, Length: 3, DeclaredType: layout.TypeNumeric},
	})
	u, alignments, err := schema.Reconcile([]*layout.RecordLayout{l})
	require.NoError(t, err)
	return l, u, alignments["test"]
}

func testOpts() Options {
	return Options{Budget: 1 << 20, Tolerance: 0.01}
}

func TestConvertFile(t *testing.T) {
	l, u, align := fixtureLayout(t)
	path := fixture(t,
		"C509042",
		"C61 015",
		"C343   ",
	)

	sink := &memSink{}
	s, err := ConvertFile(context.Background(), path, l, u, align, sink, testOpts())
	require.NoError(t, err)

	assert.Equal(t, int64(3), s.RowsConverted)
	assert.Equal(t, int64(0), s.RowsRejected)
	require.Len(t, sink.rows, 3)

	assert.Equal(t, []interface{}{"C509", int64(42)}, sink.rows[0])
	assert.Equal(t, []interface{}{"C61", int64(15)}, sink.rows[1])
	assert.Equal(t, []interface{}{"C343", nil}, sink.rows[2])
}

func TestConvertFileSkipsBlankLines(t *testing.T) {
	l, u, align := fixtureLayout(t)
	path := fixture(t,
		"C509042",
		"",
		"   ",
		"C61 015",
	)

	sink := &memSink{}
	s, err := ConvertFile(context.Background(), path, l, u, align, sink, testOpts())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.RowsConverted)
	assert.Equal(t, int64(0), s.RowsRejected)
}

func TestConvertFileCRLF(t *testing.T) {
	l, u, align := fixtureLayout(t)
	path := filepath.Join(t.TempDir(), "input.dat")
	require.NoError(t, os.WriteFile(path, []byte("C509042\r\nC61 015\r\n"), 0o644))

	sink := &memSink{}
	s, err := ConvertFile(context.Background(), path, l, u, align, sink, testOpts())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.RowsConverted)
}

func TestConvertFileToleranceExceeded(t *testing.T) {
	l, u, align := fixtureLayout(t)
	// One good row, one short row: 50% rejected against a 1% tolerance.
	path := fixture(t,
		"C509042",
		"bad",
	)

	sink := &memSink{}
	_, err := ConvertFile(context.Background(), path, l, u, align, sink, testOpts())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeConversion))
}

func TestConvertFileRejectionWithinTolerance(t *testing.T) {
	l, u, align := fixtureLayout(t)
	lines := make([]string, 0, 201)
	for i := 0; i < 200; i++ {
		lines = append(lines, "C509042")
	}
	lines = append(lines, "bad")

	path := fixture(t, lines...)
	sink := &memSink{}
	opts := testOpts()
	opts.Tolerance = 0.01

	s, err := ConvertFile(context.Background(), path, l, u, align, sink, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(200), s.RowsConverted)
	assert.Equal(t, int64(1), s.RowsRejected)
}

func TestConvertFileNullFillsMissingColumns(t *testing.T) {
	// The unified schema carries a column this layout lacks.
	l := layout.NewRecordLayout("old", []layout.FieldSpec{
		{Name: "PRIMARY_SITE", Start: 0, Length: 4, DeclaredType: layout.TypeString},
	})
	wider := layout.NewRecordLayout("new", []layout.FieldSpec{
		{Name: "PRIMARY_SITE", Start: 0, Length: 4, DeclaredType: layout.TypeString},
		{Name: "TUMOR_SIZE", Start: 4, Length: 3, DeclaredType: layout.TypeNumeric},
	})
	u, alignments, err := schema.Reconcile([]*layout.RecordLayout{l, wider})
	require.NoError(t, err)

	path := fixture(t, "C509")
	sink := &memSink{}
	_, err = ConvertFile(context.Background(), path, l, u, alignments["old"], sink, testOpts())
	require.NoError(t, err)

	require.Len(t, sink.rows, 1)
	assert.Equal(t, []interface{}{"C509", nil}, sink.rows[0])
}

func TestConvertFileMissingInput(t *testing.T) {
	l, u, align := fixtureLayout(t)
	sink := &memSink{}

	_, err := ConvertFile(context.Background(),
		filepath.Join(t.TempDir(), "missing.dat"), l, u, align, sink, testOpts())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeConfig))
}

func TestConvertFileCancelled(t *testing.T) {
	l, u, align := fixtureLayout(t)

	lines := make([]string, 2000)
	for i := range lines {
		lines[i] = "C509042"
	}
	path := fixture(t, lines...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &memSink{}
	opts := testOpts()
	opts.Budget = 1 // forces the minimum batch size so the loop checks ctx

	_, err := ConvertFile(ctx, path, l, u, align, sink, opts)
	require.Error(t, err)
}

func TestFootprintEstimator(t *testing.T) {
	e := newFootprintEstimator(1032, 100)

	// Before any observation the initial estimate drives sizing.
	assert.Equal(t, int64(1032+100*24), e.avgRowBytes())

	e.observe([]interface{}{"C509", int64(42), nil})
	assert.Equal(t, int64(4+16+24+8), e.avgRowBytes())

	rows := e.batchRows(1 << 30)
	assert.GreaterOrEqual(t, rows, minBatchRows)
	assert.LessOrEqual(t, rows, maxBatchRows)

	// A tiny budget clamps to the floor instead of zero.
	assert.Equal(t, minBatchRows, e.batchRows(16))
}

package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncodata/pufkit/pkg/build"
	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	s := schema.NewUnified([]schema.Column{
		{Name: "PUF_CASE_ID", Type: schema.FieldTypeString},
		{Name: schema.YearColumn, Type: schema.FieldTypeString},
		{Name: schema.PrimarySiteColumn, Type: schema.FieldTypeString},
		{Name: schema.HistologyColumn, Type: schema.FieldTypeString},
		{Name: "TUMOR_SIZE", Type: schema.FieldTypeInt},
	})
	rows := [][]interface{}{
		{"case-001", "2019", "C509", "8140", int64(12)},
		{"case-002", "2019", "C619", "8140", int64(30)},
		{"case-003", "2020", "C509", "9671", nil},
		{"case-004", "2021", "C718", "8050", int64(5)},
	}

	f, err := os.Create(filepath.Join(dir, "data.parquet"))
	require.NoError(t, err)
	w, err := columnar.NewWriter(f, &columnar.WriterConfig{
		Format: columnar.Parquet, Schema: s,
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteRows(rows))
	require.NoError(t, w.Close())

	summary := build.Summary{
		OutputFormat: string(columnar.Parquet),
		Columns:      s.Columns,
		RowsTotal:    int64(len(rows)),
	}
	data, err := json.Marshal(&summary)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, build.SummaryFile), data, 0o644))

	return dir
}

func TestOpenRequiresSummary(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeIO))
}

func TestQueryCollectAll(t *testing.T) {
	ds, err := Open(writeDataset(t))
	require.NoError(t, err)

	rows, err := ds.Query().Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestQueryFilters(t *testing.T) {
	ds, err := Open(writeDataset(t))
	require.NoError(t, err)
	ctx := context.Background()

	n, err := ds.Query().ForYear(2019).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ds.Query().ForSite("C50").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ds.Query().ForSite("C50").ForHistology("814").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ds.Query().ForYear(1999).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestQuerySelectAndLimit(t *testing.T) {
	ds, err := Open(writeDataset(t))
	require.NoError(t, err)

	q := ds.Query().Select("PUF_CASE_ID", "TUMOR_SIZE").Limit(2)
	assert.Equal(t, []string{"PUF_CASE_ID", "TUMOR_SIZE"}, q.Columns())

	rows, err := q.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []interface{}{"case-001", int64(12)}, rows[0])
}

func TestQuerySelectDemographics(t *testing.T) {
	ds, err := Open(writeDataset(t))
	require.NoError(t, err)

	// Only PUF_CASE_ID from the demographic group exists in this dataset.
	q := ds.Query().SelectDemographics()
	assert.Equal(t, []string{"PUF_CASE_ID"}, q.Columns())

	rows, err := q.Limit(1).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []interface{}{"case-001"}, rows[0])

	// None of the outcome group exists: the terminal operation reports it.
	_, err = ds.Query().SelectOutcomes().Count(context.Background())
	require.Error(t, err)
}

func TestQueryNullsNeverMatch(t *testing.T) {
	ds, err := Open(writeDataset(t))
	require.NoError(t, err)

	// case-003 has a null TUMOR_SIZE; an equality filter skips it.
	n, err := ds.Query().Where("TUMOR_SIZE", "12").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueryUnknownColumnDeferred(t *testing.T) {
	ds, err := Open(writeDataset(t))
	require.NoError(t, err)

	// The clause does not error; the terminal operation does.
	q := ds.Query().Where("NOT_A_COLUMN", "x").Limit(1)
	_, err = q.Collect(context.Background())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeConfig))

	_, err = ds.Query().Limit(-1).Count(context.Background())
	require.Error(t, err)
}

// Package query provides a small deferred query layer over a converted
// dataset directory.
//
// A Query is a plan: filter, column selection, and limit clauses accumulate
// without touching disk, and validation errors are carried forward so a
// chain stays fluent. Only the terminal operations, Collect and Count,
// stream the dataset files.
package query

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/oncodata/pufkit/pkg/build"
	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/dictionary"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// Dataset is an opened converted dataset.
type Dataset struct {
	dir    string
	format columnar.Format
	schema *schema.Unified
}

// Open loads a dataset from its build summary. A directory without a
// summary is an incomplete build and is refused.
func Open(dir string) (*Dataset, error) {
	data, err := os.ReadFile(filepath.Join(dir, build.SummaryFile))
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"dataset has no build summary").WithDetail("dir", dir)
	}
	var summary build.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeInternal,
			"failed to decode build summary").WithDetail("dir", dir)
	}

	format, err := columnar.ParseFormat(summary.OutputFormat)
	if err != nil {
		return nil, err
	}
	return &Dataset{
		dir:    dir,
		format: format,
		schema: schema.NewUnified(summary.Columns),
	}, nil
}

// Schema returns the dataset schema.
func (d *Dataset) Schema() *schema.Unified {
	return d.schema
}

// Query starts a new query plan over the dataset.
func (d *Dataset) Query() *Query {
	return &Query{ds: d}
}

// GenerateDictionary rebuilds the data dictionary for the dataset.
func (d *Dataset) GenerateDictionary(ctx context.Context, outPath string) error {
	return dictionary.Generate(ctx, d.dir, d.schema, d.format, outPath)
}

type filter struct {
	colIdx int
	match  func(v interface{}) bool
}

// Query is a deferred query plan. Clauses validate eagerly but report
// through the terminal operation, so a chain never needs mid-expression
// error checks.
type Query struct {
	ds       *Dataset
	filters  []filter
	selected []int
	limit    int64
	err      error
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

func (q *Query) column(name string) (int, bool) {
	idx := q.ds.schema.ColumnIndex(name)
	if idx < 0 {
		q.fail(pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"unknown column %q", name))
		return 0, false
	}
	return idx, true
}

// Where keeps rows whose column equals the given value, compared textually.
func (q *Query) Where(col, value string) *Query {
	idx, ok := q.column(col)
	if !ok {
		return q
	}
	q.filters = append(q.filters, filter{colIdx: idx, match: func(v interface{}) bool {
		return v != nil && fmt.Sprintf("%v", v) == value
	}})
	return q
}

// WherePrefix keeps rows whose column value starts with the given prefix.
func (q *Query) WherePrefix(col, prefix string) *Query {
	idx, ok := q.column(col)
	if !ok {
		return q
	}
	q.filters = append(q.filters, filter{colIdx: idx, match: func(v interface{}) bool {
		return v != nil && strings.HasPrefix(fmt.Sprintf("%v", v), prefix)
	}})
	return q
}

// ForYear keeps rows diagnosed in the given year.
func (q *Query) ForYear(year int) *Query {
	return q.Where(schema.YearColumn, fmt.Sprintf("%d", year))
}

// ForSite keeps rows whose primary site starts with the given code prefix.
func (q *Query) ForSite(prefix string) *Query {
	return q.WherePrefix(schema.PrimarySiteColumn, prefix)
}

// ForHistology keeps rows whose histology starts with the given code prefix.
func (q *Query) ForHistology(prefix string) *Query {
	return q.WherePrefix(schema.HistologyColumn, prefix)
}

// Select restricts Collect output to the named columns, in the given order.
func (q *Query) Select(cols ...string) *Query {
	selected := make([]int, 0, len(cols))
	for _, c := range cols {
		idx, ok := q.column(c)
		if !ok {
			return q
		}
		selected = append(selected, idx)
	}
	q.selected = selected
	return q
}

// SelectDemographics restricts output to the demographic column group,
// keeping only the columns this dataset actually carries. PUF periods vary
// in which demographic columns they publish.
func (q *Query) SelectDemographics() *Query {
	return q.selectPresent(schema.DemographicColumns)
}

// SelectOutcomes restricts output to the outcome column group present in
// the dataset.
func (q *Query) SelectOutcomes() *Query {
	return q.selectPresent(schema.OutcomeColumns)
}

func (q *Query) selectPresent(group []string) *Query {
	selected := make([]int, 0, len(group))
	for _, c := range group {
		if idx := q.ds.schema.ColumnIndex(c); idx >= 0 {
			selected = append(selected, idx)
		}
	}
	if len(selected) == 0 {
		return q.fail(pufkiterrors.New(pufkiterrors.ErrorTypeConfig,
			"dataset carries none of the requested column group"))
	}
	q.selected = selected
	return q
}

// Limit caps the number of rows Collect returns.
func (q *Query) Limit(n int64) *Query {
	if n < 0 {
		return q.fail(pufkiterrors.Newf(pufkiterrors.ErrorTypeConfig,
			"limit must be non-negative, got %d", n))
	}
	q.limit = n
	return q
}

// Columns returns the output column names of the plan.
func (q *Query) Columns() []string {
	if q.selected == nil {
		return q.ds.schema.Names()
	}
	names := make([]string, len(q.selected))
	for i, idx := range q.selected {
		names[i] = q.ds.schema.Columns[idx].Name
	}
	return names
}

// Collect runs the plan and returns matching rows.
func (q *Query) Collect(ctx context.Context) ([][]interface{}, error) {
	var rows [][]interface{}
	err := q.run(ctx, func(row []interface{}) bool {
		rows = append(rows, q.project(row))
		return q.limit == 0 || int64(len(rows)) < q.limit
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Count runs the plan and returns the number of matching rows. Limit still
// applies.
func (q *Query) Count(ctx context.Context) (int64, error) {
	var n int64
	err := q.run(ctx, func([]interface{}) bool {
		n++
		return q.limit == 0 || n < q.limit
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Query) project(row []interface{}) []interface{} {
	if q.selected == nil {
		out := make([]interface{}, len(row))
		copy(out, row)
		return out
	}
	out := make([]interface{}, len(q.selected))
	for i, idx := range q.selected {
		out[i] = row[idx]
	}
	return out
}

// run streams dataset files through the filters, calling emit for each
// matching row until emit returns false.
func (q *Query) run(ctx context.Context, emit func(row []interface{}) bool) error {
	if q.err != nil {
		return q.err
	}

	files, err := filepath.Glob(filepath.Join(q.ds.dir, "*"+q.ds.format.Extension()))
	if err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to list dataset files").WithDetail("dir", q.ds.dir)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO, "query cancelled")
		}
		done, err := q.scanFile(path, emit)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func (q *Query) scanFile(path string, emit func(row []interface{}) bool) (bool, error) {
	r, err := columnar.OpenReader(path)
	if err != nil {
		return false, err
	}
	defer r.Close()

	for {
		row, err := r.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		matched := true
		for _, f := range q.filters {
			if f.colIdx >= len(row) || !f.match(row[f.colIdx]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if !emit(row) {
			return true, nil
		}
	}
}

// Package dictionary generates a data dictionary for a converted dataset:
// per-column type, label, null count, and the most frequent values.
package dictionary

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/logger"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

const (
	// maxTrackedValues caps the distinct values tracked per column. Columns
	// that exceed the cap report distinct_exceeds_cap instead of a value list;
	// case identifiers would otherwise dominate the document.
	maxTrackedValues = 1000
	// topValues is how many frequent values each column reports.
	topValues = 20
)

// ValueCount is one observed value and its frequency.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// ColumnEntry describes one column of the dataset.
type ColumnEntry struct {
	Name              string           `json:"name"`
	Type              schema.FieldType `json:"type"`
	Label             string           `json:"label,omitempty"`
	Rows              int64            `json:"rows"`
	Nulls             int64            `json:"nulls"`
	Distinct          int              `json:"distinct,omitempty"`
	DistinctExceedCap bool             `json:"distinct_exceeds_cap,omitempty"`
	TopValues         []ValueCount     `json:"top_values,omitempty"`
}

// Document is the full data dictionary.
type Document struct {
	Rows    int64         `json:"rows"`
	Columns []ColumnEntry `json:"columns"`
}

// Scan streams every columnar file in the dataset directory and builds the
// dictionary document.
func Scan(ctx context.Context, dir string, s *schema.Unified, format columnar.Format) (*Document, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+format.Extension()))
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to list dataset files").WithDetail("dir", dir)
	}

	stats := make([]*columnStats, s.Len())
	for i := range stats {
		stats[i] = &columnStats{values: make(map[string]int64)}
	}

	var totalRows int64
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"dictionary generation cancelled")
		}
		rows, err := scanFile(path, stats)
		if err != nil {
			return nil, err
		}
		totalRows += rows
	}

	doc := &Document{Rows: totalRows, Columns: make([]ColumnEntry, s.Len())}
	for i, c := range s.Columns {
		doc.Columns[i] = stats[i].entry(c, totalRows)
	}
	return doc, nil
}

// Generate scans the dataset and writes the dictionary as JSON to outPath
// and as CSV to the .csv sibling of outPath.
func Generate(ctx context.Context, dir string, s *schema.Unified, format columnar.Format, outPath string) error {
	doc, err := Scan(ctx, dir, s, format)
	if err != nil {
		return err
	}
	if err := doc.WriteJSON(outPath); err != nil {
		return err
	}
	csvPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".csv"
	if err := doc.WriteCSV(csvPath); err != nil {
		return err
	}

	logger.Info("data dictionary written",
		zap.String("file", outPath), zap.Int64("rows", doc.Rows))
	return nil
}

// WriteJSON writes the document as indented JSON.
func (d *Document) WriteJSON(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeInternal,
			"failed to encode data dictionary")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to write data dictionary").WithDetail("file", path)
	}
	return nil
}

// WriteCSV writes a flat per-column view: one row per column, top values
// joined with "; ".
func (d *Document) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to create data dictionary CSV").WithDetail("file", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"name", "type", "label", "rows", "nulls", "distinct", "top_values"}); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to write data dictionary CSV").WithDetail("file", path)
	}
	for _, c := range d.Columns {
		distinct := strconv.Itoa(c.Distinct)
		if c.DistinctExceedCap {
			distinct = ">" + strconv.Itoa(maxTrackedValues)
		}
		tops := make([]string, len(c.TopValues))
		for i, v := range c.TopValues {
			tops[i] = fmt.Sprintf("%s (%d)", v.Value, v.Count)
		}
		record := []string{
			c.Name,
			string(c.Type),
			c.Label,
			strconv.FormatInt(c.Rows, 10),
			strconv.FormatInt(c.Nulls, 10),
			distinct,
			strings.Join(tops, "; "),
		}
		if err := w.Write(record); err != nil {
			return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
				"failed to write data dictionary CSV").WithDetail("file", path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO,
			"failed to flush data dictionary CSV").WithDetail("file", path)
	}
	return nil
}

func scanFile(path string, stats []*columnStats) (int64, error) {
	r, err := columnar.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var rows int64
	for {
		row, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		rows++
		for i, v := range row {
			if i >= len(stats) {
				break
			}
			stats[i].observe(v)
		}
	}
	return rows, nil
}

type columnStats struct {
	nulls    int64
	values   map[string]int64
	overflow bool
}

func (cs *columnStats) observe(v interface{}) {
	if v == nil {
		cs.nulls++
		return
	}
	key := fmt.Sprintf("%v", v)
	if _, seen := cs.values[key]; !seen && len(cs.values) >= maxTrackedValues {
		cs.overflow = true
		return
	}
	cs.values[key]++
}

func (cs *columnStats) entry(c schema.Column, rows int64) ColumnEntry {
	e := ColumnEntry{
		Name:  c.Name,
		Type:  c.Type,
		Label: c.Label,
		Rows:  rows,
		Nulls: cs.nulls,
	}
	if cs.overflow {
		e.DistinctExceedCap = true
		return e
	}
	e.Distinct = len(cs.values)

	counts := make([]ValueCount, 0, len(cs.values))
	for v, n := range cs.values {
		counts = append(counts, ValueCount{Value: v, Count: n})
	}
	sort.Slice(counts, func(a, b int) bool {
		if counts[a].Count != counts[b].Count {
			return counts[a].Count > counts[b].Count
		}
		return counts[a].Value < counts[b].Value
	})
	if len(counts) > topValues {
		counts = counts[:topValues]
	}
	e.TopValues = counts
	return e
}

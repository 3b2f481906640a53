// Package decode extracts typed values from fixed-width records.
//
// A Decoder is built once per (layout, unified schema) pair and reused for
// every record in a file. Casting decisions are made at construction time so
// the per-record loop is a straight slice-and-parse with no schema lookups.
package decode

import (
	"strconv"
	"strings"

	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// Decoder decodes fixed-width records of one layout into values typed
// according to the unified schema.
type Decoder struct {
	layout *layout.RecordLayout
	types  []schema.FieldType
}

// NewDecoder builds a decoder for one source layout. Each source field is
// cast to the type the unified schema resolved for its column. The
// never-numeric override is applied here as well, before any numeric cast
// attempt, so a misresolved schema can never coerce a classification code.
func NewDecoder(l *layout.RecordLayout, unified *schema.Unified) *Decoder {
	types := make([]schema.FieldType, len(l.Fields))
	for i, f := range l.Fields {
		t := schema.FieldTypeString
		if c, ok := unified.Column(f.Name); ok {
			t = c.Type
		}
		if schema.NeverNumeric(f.Name) {
			t = schema.FieldTypeString
		}
		types[i] = t
	}
	return &Decoder{layout: l, types: types}
}

// Width returns the record width the decoder expects.
func (d *Decoder) Width() int {
	return d.layout.Width
}

// Decode slices one record into per-field values in source declaration
// order. Numeric fields parse as int64 first, then float64; blanks and
// unparseable numerics become nil. String and categorical fields keep their
// trimmed text with leading zeros intact.
//
// A record whose width differs from the layout's is rejected with a
// record-width error; the caller decides whether the file's rejected-row
// fraction is tolerable.
func (d *Decoder) Decode(record string) ([]interface{}, error) {
	if len(record) != d.layout.Width {
		return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeRecordWidth,
			"record width %d does not match layout width %d", len(record), d.layout.Width)
	}

	values := make([]interface{}, len(d.layout.Fields))
	for i, f := range d.layout.Fields {
		raw := strings.TrimSpace(record[f.Start:f.End()])

		switch d.types[i] {
		case schema.FieldTypeInt:
			values[i] = castNumeric(raw, false)
		case schema.FieldTypeFloat:
			values[i] = castNumeric(raw, true)
		default:
			values[i] = raw
		}
	}
	return values, nil
}

// RawFields slices one record into untrimmed field substrings, with no cast
// applied. Concatenating the results over the layout's byte ranges
// reproduces the record exactly.
func (d *Decoder) RawFields(record string) ([]string, error) {
	if len(record) != d.layout.Width {
		return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeRecordWidth,
			"record width %d does not match layout width %d", len(record), d.layout.Width)
	}

	fields := make([]string, len(d.layout.Fields))
	for i, f := range d.layout.Fields {
		fields[i] = record[f.Start:f.End()]
	}
	return fields, nil
}

// castNumeric parses a trimmed numeric token. Integer parse is attempted
// first, then decimal. Blanks and unparseable tokens are null rather than
// errors: registry files encode missing data as spaces.
func castNumeric(raw string, wantFloat bool) interface{} {
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if wantFloat {
			return float64(n)
		}
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if wantFloat {
			return f
		}
		// Integer column fed a decimal token: kept only when exact.
		if f == float64(int64(f)) {
			return int64(f)
		}
		return nil
	}
	return nil
}

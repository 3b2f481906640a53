// Package layout parses label-definition documents into record layouts for
// fixed-width data files.
//
// A label-definition document describes, for one format version, the byte
// position, width, declared type, and human-readable label of every column.
// Two document flavors are supported: SAS-style label files containing
// INPUT position statements and LABEL statements, and a plain columns CSV
// (name,start,end) override. Both produce the same RecordLayout.
package layout

// FieldType is the declared semantic type of a field. It is advisory: the
// schema reconciler may widen it, and the never-numeric override set takes
// precedence over any numeric declaration.
type FieldType string

const (
	// TypeNumeric fields are cast to integers, falling back to decimals.
	TypeNumeric FieldType = "numeric"
	// TypeString fields are kept as trimmed strings.
	TypeString FieldType = "string"
	// TypeCategorical fields are classification codes: opaque strings with
	// leading zeros preserved, never cast to numbers.
	TypeCategorical FieldType = "categorical"
)

// FieldSpec describes one column of a fixed-width record. Start is a
// zero-based byte offset. Immutable once parsed.
type FieldSpec struct {
	Name         string
	Start        int
	Length       int
	DeclaredType FieldType
	Label        string
}

// End returns the exclusive end offset of the field's byte range.
func (f FieldSpec) End() int {
	return f.Start + f.Length
}

// RecordLayout is the ordered field list for one input file format version.
// Declaration order determines output column order. Width is the fixed
// record length every data row must match; the sum of field lengths may be
// smaller (gaps are ignored).
type RecordLayout struct {
	Name   string
	Width  int
	Fields []FieldSpec

	byName map[string]int
}

// NewRecordLayout builds a layout from an ordered field list, indexing
// fields by name. Width defaults to the largest field end offset.
func NewRecordLayout(name string, fields []FieldSpec) *RecordLayout {
	l := &RecordLayout{
		Name:   name,
		Fields: fields,
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		l.byName[f.Name] = i
		if f.End() > l.Width {
			l.Width = f.End()
		}
	}
	return l
}

// Field returns the spec for the named column and whether it exists.
func (l *RecordLayout) Field(name string) (FieldSpec, bool) {
	i, ok := l.byName[name]
	if !ok {
		return FieldSpec{}, false
	}
	return l.Fields[i], true
}

// FieldIndex returns the declaration index of the named column, or -1.
func (l *RecordLayout) FieldIndex(name string) int {
	i, ok := l.byName[name]
	if !ok {
		return -1
	}
	return i
}

// ColumnNames returns column names in declaration order.
func (l *RecordLayout) ColumnNames() []string {
	names := make([]string, len(l.Fields))
	for i, f := range l.Fields {
		names[i] = f.Name
	}
	return names
}

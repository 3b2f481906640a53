// Package schema resolves the unified output schema for a build from the
// record layouts observed across all input files.
//
// Files from different reporting periods drift: columns appear, disappear,
// and change declared type. Reconciliation happens once per build, before
// any row is written, and produces one canonical alignment map per file so
// the conversion hot loop never branches on schema shape.
package schema

import (
	"sort"

	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
)

// FieldType is the resolved semantic type of a unified column.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
)

// Column is one resolved column of the unified schema.
type Column struct {
	Name  string    `json:"name"`
	Type  FieldType `json:"type"`
	Label string    `json:"label,omitempty"`
}

// Unified is the resolved output schema shared by every file in a build.
// Column order is deterministic and independent of input file order.
type Unified struct {
	Columns []Column

	index map[string]int
}

// NewUnified builds a unified schema from an ordered column list.
func NewUnified(columns []Column) *Unified {
	u := &Unified{
		Columns: columns,
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		u.index[c.Name] = i
	}
	return u
}

// Column returns the named column and whether it exists.
func (u *Unified) Column(name string) (Column, bool) {
	i, ok := u.index[name]
	if !ok {
		return Column{}, false
	}
	return u.Columns[i], true
}

// ColumnIndex returns the position of the named column, or -1.
func (u *Unified) ColumnIndex(name string) int {
	i, ok := u.index[name]
	if !ok {
		return -1
	}
	return i
}

// Names returns column names in schema order.
func (u *Unified) Names() []string {
	names := make([]string, len(u.Columns))
	for i, c := range u.Columns {
		names[i] = c.Name
	}
	return names
}

// Len returns the number of unified columns.
func (u *Unified) Len() int {
	return len(u.Columns)
}

// WithDerived returns a new schema extending u with derived columns
// appended in the given order. Existing columns are never modified.
func (u *Unified) WithDerived(derived []Column) *Unified {
	columns := make([]Column, 0, len(u.Columns)+len(derived))
	columns = append(columns, u.Columns...)
	columns = append(columns, derived...)
	return NewUnified(columns)
}

// Alignment maps one source layout onto the unified schema. SourceIndex[i]
// is the field index in the source layout feeding unified column i, or -1
// when that column is absent from the source and must be null-filled.
type Alignment struct {
	Layout      string
	SourceIndex []int
	NullFill    []string
}

// Reconcile merges the record layouts observed across a build's input files
// into a unified schema plus one alignment per layout.
//
// Type resolution, in order: a column on the never-numeric override list in
// any layout is string; a column declared numeric in every layout that
// carries it is int; anything else widens to string. Widening is explicit
// because silently coercing a disagreeing column to numeric loses leading
// zeros.
//
/// The result is independent of the order layouts are passed in: unified
// column order is the minimum declaration index across layouts, ties broken
// by name.
func Reconcile(layouts []*layout.RecordLayout) (*Unified, map[string]*Alignment, error) {
	if len(layouts) == 0 {
		return nil, nil, pufkiterrors.New(pufkiterrors.ErrorTypeLayout,
			"no record layouts to reconcile")
	}

	type colInfo struct {
		minIndex   int
		label      string
		allNumeric bool
	}
	info := make(map[string]*colInfo)

	for _, l := range layouts {
		for i, f := range l.Fields {
			ci, ok := info[f.Name]
			if !ok {
				ci = &colInfo{minIndex: i, allNumeric: true}
				info[f.Name] = ci
			}
			if i < ci.minIndex {
				ci.minIndex = i
			}
			if ci.label == "" {
				ci.label = f.Label
			}
			if f.DeclaredType != layout.TypeNumeric {
				ci.allNumeric = false
			}
		}
	}

	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Slice(names, func(a, b int) bool {
		ia, ib := info[names[a]].minIndex, info[names[b]].minIndex
		if ia != ib {
			return ia < ib
		}
		return names[a] < names[b]
	})

	columns := make([]Column, 0, len(names))
	for _, name := range names {
		ci := info[name]
		t := FieldTypeString
		if ci.allNumeric && !NeverNumeric(name) {
			t = FieldTypeInt
		}
		columns = append(columns, Column{Name: name, Type: t, Label: ci.label})
	}
	unified := NewUnified(columns)

	alignments := make(map[string]*Alignment, len(layouts))
	for _, l := range layouts {
		a := &Alignment{
			Layout:      l.Name,
			SourceIndex: make([]int, len(columns)),
		}
		for i, c := range columns {
			idx := l.FieldIndex(c.Name)
			a.SourceIndex[i] = idx
			if idx < 0 {
				a.NullFill = append(a.NullFill, c.Name)
			}
		}
		alignments[l.Name] = a
	}

	return unified, alignments, nil
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncodata/pufkit/pkg/layout"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
)

func makeLayout(name string, fields ...layout.FieldSpec) *layout.RecordLayout {
	return layout.NewRecordLayout(name, fields)
}

func numField(name string, start, length int) layout.FieldSpec {
	return layout.FieldSpec{Name: name, Start: start, Length: length, DeclaredType: layout.TypeNumeric}
}

func strField(name string, start, length int) layout.FieldSpec {
	return layout.FieldSpec{Name: name, Start: start, Length: length, DeclaredType: layout.TypeString}
}

func TestReconcileSingleLayout(t *testing.T) {
	l := makeLayout("2019",
		strField("PUF_CASE_ID", 0, 37),
		numField("TUMOR_SIZE", 37, 3),
		strField("LATERALITY", 40, 1),
	)

	u, alignments, err := Reconcile([]*layout.RecordLayout{l})
	require.NoError(t, err)
	require.Equal(t, 3, u.Len())

	assert.Equal(t, []string{"PUF_CASE_ID", "TUMOR_SIZE", "LATERALITY"}, u.Names())

	size, ok := u.Column("TUMOR_SIZE")
	require.True(t, ok)
	assert.Equal(t, FieldTypeInt, size.Type)

	a := alignments["2019"]
	require.NotNil(t, a)
	assert.Equal(t, []int{0, 1, 2}, a.SourceIndex)
	assert.Empty(t, a.NullFill)
}

func TestReconcileDisjointColumns(t *testing.T) {
	// {A,B} and {A,C}: the union carries all three, each file null-fills
	// the column it lacks.
	l1 := makeLayout("one",
		strField("A", 0, 2),
		numField("B", 2, 2),
	)
	l2 := makeLayout("two",
		strField("A", 0, 2),
		numField("C", 2, 2),
	)

	u, alignments, err := Reconcile([]*layout.RecordLayout{l1, l2})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, u.Names())

	a1 := alignments["one"]
	assert.Equal(t, []int{0, 1, -1}, a1.SourceIndex)
	assert.Equal(t, []string{"C"}, a1.NullFill)

	a2 := alignments["two"]
	assert.Equal(t, []int{0, -1, 1}, a2.SourceIndex)
	assert.Equal(t, []string{"B"}, a2.NullFill)
}

func TestReconcileDriftScenario(t *testing.T) {
	// {A:NUMERIC, B:STRING} merged with {A:STRING, C:NUMERIC} gives
	// {A:STRING, B:STRING, C:NUMERIC}.
	l1 := makeLayout("one",
		numField("A", 0, 2),
		strField("B", 2, 2),
	)
	l2 := makeLayout("two",
		strField("A", 0, 2),
		numField("C", 2, 2),
	)

	u, _, err := Reconcile([]*layout.RecordLayout{l1, l2})
	require.NoError(t, err)

	a, _ := u.Column("A")
	b, _ := u.Column("B")
	c, _ := u.Column("C")
	assert.Equal(t, FieldTypeString, a.Type)
	assert.Equal(t, FieldTypeString, b.Type)
	assert.Equal(t, FieldTypeInt, c.Type)
}

func TestReconcileTypeWidening(t *testing.T) {
	// Numeric in one layout, string in another: widen to string.
	l1 := makeLayout("one", numField("GRADE", 0, 1))
	l2 := makeLayout("two", strField("GRADE", 0, 1))

	u, _, err := Reconcile([]*layout.RecordLayout{l1, l2})
	require.NoError(t, err)

	grade, ok := u.Column("GRADE")
	require.True(t, ok)
	assert.Equal(t, FieldTypeString, grade.Type)
}

func TestReconcileNeverNumericOverride(t *testing.T) {
	// HISTOLOGY is numeric-looking in every layout but stays a string.
	l := makeLayout("one",
		numField("HISTOLOGY", 0, 4),
		numField("TUMOR_SIZE", 4, 3),
	)

	u, _, err := Reconcile([]*layout.RecordLayout{l})
	require.NoError(t, err)

	hist, ok := u.Column("HISTOLOGY")
	require.True(t, ok)
	assert.Equal(t, FieldTypeString, hist.Type)

	size, ok := u.Column("TUMOR_SIZE")
	require.True(t, ok)
	assert.Equal(t, FieldTypeInt, size.Type)
}

func TestReconcileOrderIndependent(t *testing.T) {
	l1 := makeLayout("one",
		strField("A", 0, 2),
		numField("B", 2, 2),
		strField("D", 4, 2),
	)
	l2 := makeLayout("two",
		strField("A", 0, 2),
		numField("C", 2, 2),
	)
	l3 := makeLayout("three",
		numField("B", 0, 2),
		strField("E", 2, 2),
	)

	forward, _, err := Reconcile([]*layout.RecordLayout{l1, l2, l3})
	require.NoError(t, err)
	backward, _, err := Reconcile([]*layout.RecordLayout{l3, l2, l1})
	require.NoError(t, err)
	shuffled, _, err := Reconcile([]*layout.RecordLayout{l2, l3, l1})
	require.NoError(t, err)

	assert.Equal(t, forward.Names(), backward.Names())
	assert.Equal(t, forward.Names(), shuffled.Names())
	assert.Equal(t, forward.Columns, backward.Columns)
}

func TestReconcileEmpty(t *testing.T) {
	_, _, err := Reconcile(nil)
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeLayout))
}

func TestUnifiedWithDerived(t *testing.T) {
	u := NewUnified([]Column{
		{Name: "A", Type: FieldTypeString},
		{Name: "B", Type: FieldTypeInt},
	})

	ext := u.WithDerived([]Column{{Name: "C", Type: FieldTypeBool}})

	assert.Equal(t, 2, u.Len())
	assert.Equal(t, 3, ext.Len())
	assert.Equal(t, 2, ext.ColumnIndex("C"))
	assert.Equal(t, -1, u.ColumnIndex("C"))
}

func TestNeverNumericColumns(t *testing.T) {
	assert.True(t, NeverNumeric("PRIMARY_SITE"))
	assert.True(t, NeverNumeric("PUF_CASE_ID"))
	assert.True(t, NeverNumeric("ZIP"))
	assert.False(t, NeverNumeric("TUMOR_SIZE"))
}

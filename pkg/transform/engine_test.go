package transform

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncodata/pufkit/pkg/columnar"
	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

func registrySchema() *schema.Unified {
	return schema.NewUnified([]schema.Column{
		{Name: "PUF_CASE_ID", Type: schema.FieldTypeString},
		{Name: schema.AgeColumn, Type: schema.FieldTypeString},
		{Name: schema.PrimarySiteColumn, Type: schema.FieldTypeString},
		{Name: schema.HistologyColumn, Type: schema.FieldTypeString},
	})
}

func TestPlanDefaultRules(t *testing.T) {
	e := NewEngine(DefaultRules()...)

	plan, err := e.Plan(registrySchema())
	require.NoError(t, err)
	require.Len(t, plan.Ordered, 4)

	// age_as_int must run before age_is_90_plus.
	pos := make(map[string]int)
	for i, r := range plan.Ordered {
		pos[r.Name()] = i
	}
	assert.Less(t, pos["age_as_int"], pos["age_is_90_plus"])

	names := make([]string, len(plan.Derived))
	for i, d := range plan.Derived {
		names[i] = d.Name
	}
	assert.ElementsMatch(t,
		[]string{"AGE_AS_INT", "AGE_IS_90_PLUS", "SITE_GROUP", "HISTOLOGY_GROUP"}, names)
}

func TestPlanMissingInputColumn(t *testing.T) {
	e := NewEngine(DefaultRules()...)
	u := schema.NewUnified([]schema.Column{
		{Name: "PUF_CASE_ID", Type: schema.FieldTypeString},
	})

	_, err := e.Plan(u)
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeTransform))
	assert.Contains(t, err.Error(), "AGE")
}

type fakeRule struct {
	name    string
	inputs  []string
	deps    []string
	outputs []DerivedField
}

func (f fakeRule) Name() string            { return f.name }
func (f fakeRule) Inputs() []string        { return f.inputs }
func (f fakeRule) DependsOn() []string     { return f.deps }
func (f fakeRule) Outputs() []DerivedField { return f.outputs }
func (f fakeRule) Apply(get func(string) interface{}) []interface{} {
	return make([]interface{}, len(f.outputs))
}

func TestPlanUnknownDependency(t *testing.T) {
	e := NewEngine(fakeRule{
		name:    "a",
		inputs:  []string{"PUF_CASE_ID"},
		deps:    []string{"ghost"},
		outputs: []DerivedField{{Name: "X", Type: schema.FieldTypeString}},
	})

	_, err := e.Plan(registrySchema())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeTransform))
	assert.Contains(t, err.Error(), "ghost")
}

func TestPlanCycle(t *testing.T) {
	e := NewEngine(
		fakeRule{name: "a", deps: []string{"b"},
			outputs: []DerivedField{{Name: "X", Type: schema.FieldTypeString}}},
		fakeRule{name: "b", deps: []string{"a"},
			outputs: []DerivedField{{Name: "Y", Type: schema.FieldTypeString}}},
	)

	_, err := e.Plan(registrySchema())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeTransform))
	assert.Contains(t, err.Error(), "cycle")
}

func TestPlanHiddenDependency(t *testing.T) {
	e := NewEngine(
		fakeRule{name: "a",
			outputs: []DerivedField{{Name: "X", Type: schema.FieldTypeString}}},
		fakeRule{name: "b", inputs: []string{"X"},
			outputs: []DerivedField{{Name: "Y", Type: schema.FieldTypeString}}},
	)

	_, err := e.Plan(registrySchema())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without declaring the dependency")
}

func TestPlanOutputCollision(t *testing.T) {
	e := NewEngine(fakeRule{
		name:    "a",
		outputs: []DerivedField{{Name: "PUF_CASE_ID", Type: schema.FieldTypeString}},
	})

	_, err := e.Plan(registrySchema())
	require.Error(t, err)
	assert.True(t, pufkiterrors.IsType(err, pufkiterrors.ErrorTypeTransform))
}

func TestAgeAsIntRule(t *testing.T) {
	rule := ageAsIntRule{}
	get := func(v interface{}) func(string) interface{} {
		return func(string) interface{} { return v }
	}

	assert.Equal(t, []interface{}{int64(65)}, rule.Apply(get("65")))
	assert.Equal(t, []interface{}{int64(90)}, rule.Apply(get("90+")))
	assert.Equal(t, []interface{}{nil}, rule.Apply(get("")))
	assert.Equal(t, []interface{}{nil}, rule.Apply(get(nil)))

	// An integer-typed AGE column passes through.
	assert.Equal(t, []interface{}{int64(77)}, rule.Apply(get(int64(77))))
	assert.Equal(t, []interface{}{int64(42)}, rule.Apply(get(42.0)))
	assert.Equal(t, []interface{}{nil}, rule.Apply(get(42.5)))
}

func TestAgeFlagRule(t *testing.T) {
	rule := ageFlagRule{}
	get := func(v interface{}) func(string) interface{} {
		return func(col string) interface{} {
			if col == schema.AgeColumn {
				return v
			}
			return nil
		}
	}

	assert.Equal(t, []interface{}{true}, rule.Apply(get("90+")))
	assert.Equal(t, []interface{}{false}, rule.Apply(get("89")))
	assert.Equal(t, []interface{}{false}, rule.Apply(get(nil)))
}

func TestSiteGroupRule(t *testing.T) {
	rule := siteGroupRule{}
	get := func(v interface{}) func(string) interface{} {
		return func(string) interface{} { return v }
	}

	assert.Equal(t, []interface{}{"Breast"}, rule.Apply(get("C509")))
	assert.Equal(t, []interface{}{"Brain/CNS"}, rule.Apply(get("C719")))
	assert.Equal(t, []interface{}{"Skin/Melanoma"}, rule.Apply(get("C445")))
	// Unknown codes group as Other, never null.
	assert.Equal(t, []interface{}{"Other"}, rule.Apply(get("C999")))
	assert.Equal(t, []interface{}{"Other"}, rule.Apply(get(nil)))
}

func TestHistologyGroupRule(t *testing.T) {
	rule := histologyGroupRule{}
	get := func(v interface{}) func(string) interface{} {
		return func(string) interface{} { return v }
	}

	assert.Equal(t, []interface{}{"Adenocarcinoma"}, rule.Apply(get("8140")))
	assert.Equal(t, []interface{}{"Squamous Cell Carcinoma"}, rule.Apply(get("8050")))
	assert.Equal(t, []interface{}{"Lymphoma"}, rule.Apply(get("9671")))
	assert.Equal(t, []interface{}{"Other"}, rule.Apply(get("1234")))
}

func TestTransformDataset(t *testing.T) {
	u := registrySchema()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.parquet")

	rows := [][]interface{}{
		{"case-001", "65", "C509", "8140"},
		{"case-002", "90+", "C999", "9671"},
		{"case-003", nil, nil, nil},
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := columnar.NewWriter(f, &columnar.WriterConfig{Format: columnar.Parquet, Schema: u})
	require.NoError(t, err)
	require.NoError(t, w.WriteRows(rows))
	require.NoError(t, w.Close())

	e := NewEngine(DefaultRules()...)
	extended, err := e.TransformDataset(context.Background(), dir, u, columnar.Parquet)
	require.NoError(t, err)
	assert.Equal(t, u.Len()+4, extended.Len())

	// No temporary sibling left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	r, err := columnar.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, int64(3), r.Rows())

	var got [][]interface{}
	for {
		row, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, 3)

	ageIdx := extended.ColumnIndex("AGE_AS_INT")
	flagIdx := extended.ColumnIndex("AGE_IS_90_PLUS")
	siteIdx := extended.ColumnIndex("SITE_GROUP")
	histIdx := extended.ColumnIndex("HISTOLOGY_GROUP")

	assert.Equal(t, int64(65), got[0][ageIdx])
	assert.Equal(t, false, got[0][flagIdx])
	assert.Equal(t, "Breast", got[0][siteIdx])
	assert.Equal(t, "Adenocarcinoma", got[0][histIdx])

	assert.Equal(t, int64(90), got[1][ageIdx])
	assert.Equal(t, true, got[1][flagIdx])
	assert.Equal(t, "Other", got[1][siteIdx])
	assert.Equal(t, "Lymphoma", got[1][histIdx])

	assert.Nil(t, got[2][ageIdx])
	assert.Equal(t, false, got[2][flagIdx])
	assert.Equal(t, "Other", got[2][siteIdx])
	assert.Equal(t, "Other", got[2][histIdx])
}

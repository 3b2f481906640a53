// Package transform applies derived-column rules to a converted dataset.
//
// Rules are pure functions of their declared input columns. Each rule names
// its inputs, the rules it depends on, and the columns it produces; the
// engine validates inputs against the unified schema and orders execution
// topologically by declared dependency. Hidden ordering between rules is
// rejected rather than inferred.
package transform

import (
	"strconv"
	"strings"

	"github.com/oncodata/pufkit/pkg/schema"
)

// DerivedField describes one column produced by a rule.
type DerivedField struct {
	Name string
	Type schema.FieldType
}

// Rule is a deterministic derived-column rule.
type Rule interface {
	// Name identifies the rule in dependency declarations.
	Name() string
	// Inputs lists the columns the rule reads. Columns produced by a
	// dependency count as available inputs.
	Inputs() []string
	// DependsOn lists rules whose outputs this rule reads.
	DependsOn() []string
	// Outputs lists the columns the rule produces.
	Outputs() []DerivedField
	// Apply computes output values for one row. The accessor resolves
	// declared input columns, including dependency outputs; it returns nil
	// for null cells.
	Apply(get func(col string) interface{}) []interface{}
}

// DefaultRules returns the standard registry rule set.
func DefaultRules() []Rule {
	return []Rule{
		ageAsIntRule{},
		ageFlagRule{},
		siteGroupRule{},
		histologyGroupRule{},
	}
}

// ageSentinel is the top-bucket token in the AGE column; its numeric floor
// is 90.
const (
	ageSentinel      = "90+"
	ageSentinelFloor = int64(90)
)

// ageAsIntRule produces AGE_AS_INT, the integer form of the textual AGE
// column with the sentinel mapped to its bucket floor.
type ageAsIntRule struct{}

func (ageAsIntRule) Name() string        { return "age_as_int" }
func (ageAsIntRule) Inputs() []string    { return []string{schema.AgeColumn} }
func (ageAsIntRule) DependsOn() []string { return nil }
func (ageAsIntRule) Outputs() []DerivedField {
	return []DerivedField{{Name: "AGE_AS_INT", Type: schema.FieldTypeInt}}
}

// Apply accepts both a textual AGE and an already-numeric one; a drifted
// layout may have typed the column as an integer.
func (ageAsIntRule) Apply(get func(string) interface{}) []interface{} {
	switch v := get(schema.AgeColumn).(type) {
	case string:
		age := strings.TrimSpace(v)
		if age == ageSentinel {
			return []interface{}{ageSentinelFloor}
		}
		if n, err := strconv.ParseInt(age, 10, 64); err == nil {
			return []interface{}{n}
		}
	case int64:
		return []interface{}{v}
	case float64:
		if v == float64(int64(v)) {
			return []interface{}{int64(v)}
		}
	}
	return []interface{}{nil}
}

// ageFlagRule produces AGE_IS_90_PLUS, marking rows that used the sentinel.
// It chains on age_as_int: the flag is only meaningful alongside the
// integer column.
type ageFlagRule struct{}

func (ageFlagRule) Name() string        { return "age_is_90_plus" }
func (ageFlagRule) Inputs() []string    { return []string{schema.AgeColumn, "AGE_AS_INT"} }
func (ageFlagRule) DependsOn() []string { return []string{"age_as_int"} }
func (ageFlagRule) Outputs() []DerivedField {
	return []DerivedField{{Name: "AGE_IS_90_PLUS", Type: schema.FieldTypeBool}}
}

func (ageFlagRule) Apply(get func(string) interface{}) []interface{} {
	age, _ := get(schema.AgeColumn).(string)
	return []interface{}{strings.TrimSpace(age) == ageSentinel}
}

// siteGroups maps primary-site code prefixes to clinical groups. Codes with
// no matching prefix land in "Other", never null, so grouped analyses keep
// every row.
var siteGroups = []struct {
	prefix string
	group  string
}{
	{"C50", "Breast"},
	{"C77", "Lymph Node"},
	{"C78", "Lymph Node"},
	{"C71", "Brain/CNS"},
	{"C72", "Brain/CNS"},
	{"C43", "Skin/Melanoma"},
	{"C44", "Skin/Melanoma"},
}

// siteGroupRule produces SITE_GROUP from the PRIMARY_SITE code.
type siteGroupRule struct{}

func (siteGroupRule) Name() string        { return "site_group" }
func (siteGroupRule) Inputs() []string    { return []string{schema.PrimarySiteColumn} }
func (siteGroupRule) DependsOn() []string { return nil }
func (siteGroupRule) Outputs() []DerivedField {
	return []DerivedField{{Name: "SITE_GROUP", Type: schema.FieldTypeString}}
}

func (siteGroupRule) Apply(get func(string) interface{}) []interface{} {
	code, _ := get(schema.PrimarySiteColumn).(string)
	for _, g := range siteGroups {
		if strings.HasPrefix(code, g.prefix) {
			return []interface{}{g.group}
		}
	}
	return []interface{}{"Other"}
}

// histologyGroups maps histology code prefixes to morphology groups.
var histologyGroups = []struct {
	prefix string
	group  string
}{
	{"814", "Adenocarcinoma"},
	{"805", "Squamous Cell Carcinoma"},
	{"872", "Melanoma"},
	{"959", "Lymphoma"},
	{"967", "Lymphoma"},
}

// histologyGroupRule produces HISTOLOGY_GROUP from the HISTOLOGY code.
type histologyGroupRule struct{}

func (histologyGroupRule) Name() string        { return "histology_group" }
func (histologyGroupRule) Inputs() []string    { return []string{schema.HistologyColumn} }
func (histologyGroupRule) DependsOn() []string { return nil }
func (histologyGroupRule) Outputs() []DerivedField {
	return []DerivedField{{Name: "HISTOLOGY_GROUP", Type: schema.FieldTypeString}}
}

func (histologyGroupRule) Apply(get func(string) interface{}) []interface{} {
	code, _ := get(schema.HistologyColumn).(string)
	for _, g := range histologyGroups {
		if strings.HasPrefix(code, g.prefix) {
			return []interface{}{g.group}
		}
	}
	return []interface{}{"Other"}
}

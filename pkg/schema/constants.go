package schema

// DefaultRecordLength is the fixed per-record character width of PUF data
// files.
const DefaultRecordLength = 1032

// neverNumeric lists columns that must never be cast to numeric even when
// every value is all digits. These are classification codes and identifiers
// where leading zeros carry meaning. The set is consulted before any numeric
// cast attempt, not as a fallback after a failed parse.
var neverNumeric = map[string]struct{}{
	"PUF_CASE_ID":          {},
	"PUF_FACILITY_ID":      {},
	"PRIMARY_SITE":         {},
	"HISTOLOGY":            {},
	"HISTOLOGY_ICDO3":      {},
	"BEHAVIOR":             {},
	"LATERALITY":           {},
	"CLASS_OF_CASE":        {},
	"YEAR_OF_DIAGNOSIS":    {},
	"SEQUENCE_NUMBER":      {},
	"FACILITY_TYPE_CD":     {},
	"FACILITY_LOCATION_CD": {},
	"ZIP":                  {},
}

// NeverNumeric reports whether the named column is on the never-numeric
// override list.
func NeverNumeric(name string) bool {
	_, ok := neverNumeric[name]
	return ok
}

// NeverNumericColumns returns a copy of the override list.
func NeverNumericColumns() []string {
	names := make([]string, 0, len(neverNumeric))
	for name := range neverNumeric {
		names = append(names, name)
	}
	return names
}

// Well-known column names used by derived-column rules and the query layer.
const (
	YearColumn        = "YEAR_OF_DIAGNOSIS"
	PrimarySiteColumn = "PRIMARY_SITE"
	HistologyColumn   = "HISTOLOGY"
	VitalStatusColumn = "PUF_VITAL_STATUS"
	AgeColumn         = "AGE"
)

// DemographicColumns is a convenience selection for the query layer.
var DemographicColumns = []string{
	"PUF_CASE_ID",
	"AGE",
	"SEX",
	"RACE",
	"SPANISH_HISPANIC_ORIGIN",
	"INSURANCE_STATUS",
	"CDCC_TOTAL_BEST",
	"MED_INC_QUAR_2016",
	"NO_HSD_QUAR_2016",
	"MED_INC_QUAR_2020",
	"NO_HSD_QUAR_2020",
}

// OutcomeColumns is a convenience selection for the query layer.
var OutcomeColumns = []string{
	"PUF_VITAL_STATUS",
	"DX_LASTCONTACT_DEATH_MONTHS",
	"PUF_30_DAY_MORT_CD",
	"PUF_90_DAY_MORT_CD",
	"READM_HOSP_30_DAYS",
	"PALLIATIVE_CARE",
}

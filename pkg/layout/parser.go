package layout

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/oncodata/pufkit/pkg/pufkiterrors"
)

// SAS label files interleave INPUT position statements with LABEL
// statements. The parser only needs these two shapes:
//
//	@1    PUF_CASE_ID    $char37.
//	@290  AGE            3.
//	PUF_CASE_ID = "Case Key"
var (
	inputFieldRe = regexp.MustCompile(`^@(\d+)\s+([A-Za-z_][A-Za-z0-9_]*)\s+(\$?)(?:char)?(\d+)\.`)
	labelRe      = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*"([^"]*)"`)
)

// ParseSASLabels parses a SAS-style label-definition document into a
// RecordLayout. Declaration order of INPUT statements is preserved. The
// parse is pure: no files other than the document are touched.
func ParseSASLabels(path string) (*RecordLayout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO, "failed to open label file").
			WithDetail("path", path)
	}
	defer f.Close()

	l, err := parseSASLabels(f)
	if err != nil {
		var perr *pufkiterrors.Error
		if e, ok := err.(*pufkiterrors.Error); ok {
			perr = e
		} else {
			perr = pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeLayout, "failed to parse label file")
		}
		return nil, perr.WithDetail("path", path)
	}
	l.Name = path
	return l, nil
}

func parseSASLabels(r io.Reader) (*RecordLayout, error) {
	var fields []FieldSpec
	labels := make(map[string]string)
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "*") || strings.HasPrefix(line, "/*") {
			continue
		}

		if m := inputFieldRe.FindStringSubmatch(line); m != nil {
			start, err := strconv.Atoi(m[1])
			if err != nil || start < 1 {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
					"invalid start position %q", m[1]).WithDetail("line", lineNo)
			}
			length, err := strconv.Atoi(m[4])
			if err != nil || length < 1 {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
					"invalid field length %q", m[4]).WithDetail("line", lineNo)
			}
			name := m[2]
			if _, dup := seen[name]; dup {
				return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
					"duplicate field name %q", name).WithDetail("line", lineNo)
			}
			seen[name] = struct{}{}

			// AGE overrides the informat either way: even a bare
			// numeric declaration must stay textual to carry the
			// "90+" top-bucket sentinel.
			declared := TypeNumeric
			if m[3] == "$" || isAgeColumn(name) {
				declared = declaredTypeForName(name)
			}
			fields = append(fields, FieldSpec{
				Name:         name,
				Start:        start - 1, // SAS positions are 1-based
				Length:       length,
				DeclaredType: declared,
			})
			continue
		}

		if m := labelRe.FindStringSubmatch(line); m != nil {
			labels[m[1]] = m[2]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO, "failed to read label file")
	}

	if len(fields) == 0 {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeLayout,
			"label document contains no field definitions")
	}

	for i := range fields {
		fields[i].Label = labels[fields[i].Name]
	}

	return NewRecordLayout("", fields), nil
}

// ParseColumnsCSV parses a columns override file with a name,start,end
// header. Start and end are 1-based and end-inclusive, matching the
// published record layout documents.
func ParseColumnsCSV(path string) (*RecordLayout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeIO, "failed to open columns file").
			WithDetail("path", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, pufkiterrors.Wrap(err, pufkiterrors.ErrorTypeLayout, "failed to parse columns CSV").
			WithDetail("path", path)
	}
	if len(rows) < 2 {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeLayout,
			"columns file contains no column definitions").WithDetail("path", path)
	}

	header := rows[0]
	col := func(name string) int {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
		return -1
	}
	nameIdx, startIdx, endIdx := col("name"), col("start"), col("end")
	if nameIdx < 0 || startIdx < 0 || endIdx < 0 {
		return nil, pufkiterrors.New(pufkiterrors.ErrorTypeLayout,
			"columns file must have name, start, and end headers").WithDetail("path", path)
	}

	fields := make([]FieldSpec, 0, len(rows)-1)
	seen := make(map[string]struct{}, len(rows)-1)
	for i, row := range rows[1:] {
		name := strings.TrimSpace(row[nameIdx])
		if _, dup := seen[name]; dup {
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
				"duplicate field name %q", name).WithDetail("row", i+2)
		}
		seen[name] = struct{}{}

		start, err := strconv.Atoi(strings.TrimSpace(row[startIdx]))
		if err != nil {
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
				"invalid start position %q for field %s", row[startIdx], name).WithDetail("row", i+2)
		}
		end, err := strconv.Atoi(strings.TrimSpace(row[endIdx]))
		if err != nil {
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
				"invalid end position %q for field %s", row[endIdx], name).WithDetail("row", i+2)
		}
		if start < 1 || end < start {
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeLayout,
				"invalid byte range [%d,%d] for field %s", start, end, name).WithDetail("row", i+2)
		}

		fields = append(fields, FieldSpec{
			Name:         name,
			Start:        start - 1,
			Length:       end - start + 1,
			DeclaredType: declaredTypeForName(name),
		})
	}

	l := NewRecordLayout(path, fields)
	return l, nil
}

// numericNameMarkers are column-name fragments that mark a field as numeric
// when the label document declares it as a character informat. The published
// layouts declare almost every column as $char even where the content is a
// count or a measurement.
var numericNameMarkers = []string{
	"AGE", "YEAR", "DAYS", "SIZE", "NODES", "DOSE", "FRACTION", "MONTHS",
}

// isAgeColumn reports whether a field is the AGE column, which carries the
// "90+" top-bucket sentinel and must stay textual regardless of how the
// label document declares it. The derived AGE_AS_INT column holds the
// numeric form.
func isAgeColumn(name string) bool {
	return strings.EqualFold(name, "AGE")
}

func declaredTypeForName(name string) FieldType {
	if isAgeColumn(name) {
		return TypeString
	}
	upper := strings.ToUpper(name)
	for _, marker := range numericNameMarkers {
		if strings.Contains(upper, marker) {
			return TypeNumeric
		}
	}
	return TypeString
}

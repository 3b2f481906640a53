package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/oncodata/pufkit/pkg/pufkiterrors"
	"github.com/oncodata/pufkit/pkg/schema"
)

// toArrowSchema converts a unified schema to an Arrow schema. Every column
// is nullable: absent columns are null-filled during alignment.
func toArrowSchema(s *schema.Unified) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, s.Len())
	for _, c := range s.Columns {
		var dt arrow.DataType
		switch c.Type {
		case schema.FieldTypeString:
			dt = arrow.BinaryTypes.String
		case schema.FieldTypeInt:
			dt = arrow.PrimitiveTypes.Int64
		case schema.FieldTypeFloat:
			dt = arrow.PrimitiveTypes.Float64
		case schema.FieldTypeBool:
			dt = arrow.FixedWidthTypes.Boolean
		default:
			return nil, pufkiterrors.Newf(pufkiterrors.ErrorTypeInternal,
				"unsupported field type %q for column %s", c.Type, c.Name)
		}
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

// fromArrowSchema converts an Arrow schema back to a unified schema.
func fromArrowSchema(as *arrow.Schema) *schema.Unified {
	columns := make([]schema.Column, 0, as.NumFields())
	for i := 0; i < as.NumFields(); i++ {
		f := as.Field(i)
		var t schema.FieldType
		switch f.Type.ID() {
		case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
			arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
			t = schema.FieldTypeInt
		case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
			t = schema.FieldTypeFloat
		case arrow.BOOL:
			t = schema.FieldTypeBool
		default:
			t = schema.FieldTypeString
		}
		columns = append(columns, schema.Column{Name: f.Name, Type: t})
	}
	return schema.NewUnified(columns)
}

// appendValue appends one value to a field builder, mapping nil to null.
// Values arrive from the decoder as string, int64, float64, or bool;
// anything else lands in a string column via formatting.
func appendValue(builder array.Builder, value interface{}) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprintf("%v", value))
		}
	case *array.Int64Builder:
		switch v := value.(type) {
		case int64:
			b.Append(v)
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		default:
			b.AppendNull()
		}
	case *array.Float64Builder:
		switch v := value.(type) {
		case float64:
			b.Append(v)
		case float32:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}
	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}
	default:
		return pufkiterrors.Newf(pufkiterrors.ErrorTypeInternal,
			"unsupported builder type %T", builder)
	}
	return nil
}

// columnValue reads one cell from an Arrow column, mapping null to nil.
func columnValue(col arrow.Array, row int) interface{} {
	if col.IsNull(row) {
		return nil
	}
	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.Int64:
		return c.Value(row)
	case *array.Float64:
		return c.Value(row)
	case *array.Boolean:
		return c.Value(row)
	default:
		return nil
	}
}

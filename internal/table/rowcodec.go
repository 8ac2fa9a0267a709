package table

import (
	"fmt"

	"github.com/tvhung83/stonesql/internal/bx"
	"github.com/tvhung83/stonesql/internal/record"
)

// EncodeRow packs Go values into a row image for this table's layout.
// Values map onto the visible fields in order; the invisible trx
// fields are left zeroed for the transaction to stamp. CHARS shorter
// than the field are zero padded; longer ones are rejected.
func (m *TableMeta) EncodeRow(values ...any) ([]byte, error) {
	data := make([]byte, m.RecordSize)
	vi := 0
	for _, f := range m.Fields {
		if !f.Visible {
			continue
		}
		if vi >= len(values) {
			return nil, fmt.Errorf("table: %s: %d values for %d visible fields",
				m.Name, len(values), vi+1)
		}
		dst := data[f.Offset : f.Offset+f.Len]
		if err := encodeField(f, dst, values[vi]); err != nil {
			return nil, err
		}
		vi++
	}
	if vi != len(values) {
		return nil, fmt.Errorf("table: %s: %d values, want %d", m.Name, len(values), vi)
	}
	return data, nil
}

func encodeField(f FieldMeta, dst []byte, v any) error {
	switch f.Type {
	case record.AttrInt:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("table: field %s wants INT, got %T", f.Name, v)
		}
		bx.PutI32(dst, int32(n))
	case record.AttrBigint:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("table: field %s wants BIGINT, got %T", f.Name, v)
		}
		bx.PutI64(dst, n)
	case record.AttrFloat:
		switch x := v.(type) {
		case float32:
			bx.PutF32(dst, x)
		case float64:
			bx.PutF32(dst, float32(x))
		default:
			return fmt.Errorf("table: field %s wants FLOAT, got %T", f.Name, v)
		}
	case record.AttrChars:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("table: field %s wants CHARS, got %T", f.Name, v)
		}
		if int32(len(s)) > f.Len {
			return fmt.Errorf("table: field %s value %q exceeds length %d", f.Name, s, f.Len)
		}
		copy(dst, s)
	default:
		return fmt.Errorf("table: field %s has unknown type %d", f.Name, f.Type)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	default:
		return 0, false
	}
}

// DecodeRow unpacks the visible fields of a row image.
func (m *TableMeta) DecodeRow(data []byte) ([]any, error) {
	if int32(len(data)) != m.RecordSize {
		return nil, fmt.Errorf("table: %s: row size %d, want %d", m.Name, len(data), m.RecordSize)
	}
	var out []any
	for _, f := range m.Fields {
		if !f.Visible {
			continue
		}
		src := data[f.Offset : f.Offset+f.Len]
		switch f.Type {
		case record.AttrInt:
			out = append(out, bx.I32(src))
		case record.AttrBigint:
			out = append(out, bx.I64(src))
		case record.AttrFloat:
			out = append(out, bx.F32(src))
		case record.AttrChars:
			end := len(src)
			for end > 0 && src[end-1] == 0 {
				end--
			}
			out = append(out, string(src[:end]))
		default:
			return nil, fmt.Errorf("table: field %s has unknown type %d", f.Name, f.Type)
		}
	}
	return out, nil
}

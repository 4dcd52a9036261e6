package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// Row is one record from a RowSource, keyed by field name.
type Row map[string]any

// Value returns the raw field value. Field names are matched exactly first and
// then case-insensitively, since catalog views differ in identifier case.
func (r Row) Value(field string) (any, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether the field is present and not NULL.
func (r Row) Has(field string) bool {
	v, ok := r.Value(field)
	return ok && v != nil
}

// String returns the field as a string; NULL and missing fields yield "".
func (r Row) String(field string) string {
	v, ok := r.Value(field)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// Trimmed returns String with surrounding whitespace removed. Fixed-width
// CHAR catalog columns come back space padded.
func (r Row) Trimmed(field string) string {
	return strings.TrimSpace(r.String(field))
}

// Int returns the field as an int, or 0 when it is NULL, missing or not numeric.
func (r Row) Int(field string) int {
	v, ok := r.Value(field)
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint8:
		return int(t)
	case uint16:
		return int(t)
	case uint32:
		return int(t)
	case uint64:
		return int(t)
	case float32:
		return int(t)
	case float64:
		return int(t)
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		n, err := strconv.Atoi(strings.TrimSpace(r.String(field)))
		if err != nil {
			return 0
		}
		return n
	}
}

// Bool interprets common catalog encodings (true/false, Y/N, YES/NO, 1/0).
func (r Row) Bool(field string) bool {
	v, ok := r.Value(field)
	if !ok || v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	switch strings.ToUpper(r.Trimmed(field)) {
	case "Y", "YES", "T", "TRUE", "1":
		return true
	default:
		return false
	}
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

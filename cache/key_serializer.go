package cache

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// KeySerializer builds a memo key from an operation name and key values.
// Equal inputs must produce equal keys for the lifetime of the process.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// defaultKeySerializer renders catalog key values (names, pair keys, ordinals,
// name paths) into a flat string.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey joins method and the serialized args with KeySeparator.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, method)
	for _, arg := range args {
		parts = append(parts, s.serializeValue(arg))
	}

	return strings.Join(parts, KeySeparator)
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return escapeSegment(t)
	case PairKey:
		return escapeSegment(t.Parent) + "/" + escapeSegment(t.Child)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case []string:
		segs := make([]string, len(t))
		for i, seg := range t {
			segs[i] = escapeSegment(seg)
		}
		return fmt.Sprintf("path[%d]:{%s}", len(t), strings.Join(segs, "."))
	case fmt.Stringer:
		return escapeSegment(t.String())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = s.serializeValue(rv.Index(i).Interface())
		}
		return fmt.Sprintf("list[%d]:{%s}", len(parts), strings.Join(parts, ","))
	default:
		return escapeSegment(fmt.Sprintf("%v", v))
	}
}

// escapeSegment keeps a name containing the separator from colliding with a
// key built from more segments.
func escapeSegment(s string) string {
	if !strings.Contains(s, KeySeparator) && !strings.Contains(s, `\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, KeySeparator, `\:\:`)
}

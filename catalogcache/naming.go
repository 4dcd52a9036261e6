package catalogcache

import (
	"reflect"
	"strings"
	"unicode"
)

// typeName derives a cache name from E: *Table becomes "table",
// *IndexColumn "index_column". fallback is used for unnamed types.
func typeName[E any](fallback string) string {
	t := reflect.TypeOf((*E)(nil)).Elem()
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	if name = toSnake(name); name == "" {
		return fallback
	}
	return name
}

// toSnake converts s to snake_case using ASCII-aware rules. Punctuation is
// collapsed into single underscores so names are safe inside memo keys.
func toSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	lastUnderscore := false
	underscore := func() {
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower {
					underscore()
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false

		case unicode.IsLower(r):
			b.WriteRune(r)
			lastUnderscore = false

		case unicode.IsDigit(r):
			if b.Len() > 0 && !unicode.IsDigit(runes[i-1]) {
				underscore()
			}
			b.WriteRune(r)
			lastUnderscore = false

		default:
			underscore()
		}
	}

	return strings.Trim(b.String(), "_")
}

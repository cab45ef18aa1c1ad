package extract

import (
	"html"
	"strconv"
	"strings"
	"unicode"
)

// SanitizeStr normalizes one LLM-produced string field: HTML entities are
// unescaped, control characters stripped, surrounding whitespace and
// stray quotes trimmed.
func SanitizeStr(s string) string {
	s = html.UnescapeString(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return strings.TrimSpace(s)
}

// SafeFloat coerces an arbitrary JSON value to a float64, falling back to
// def on anything unparsable.
func SafeFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}

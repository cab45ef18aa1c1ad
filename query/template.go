package query

import (
	"log/slog"
	"os"
	"strings"
)

// isTemplatePath reports whether an override looks like a file path
// rather than an inline template.
func isTemplatePath(s string) bool {
	return strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") || strings.HasPrefix(s, `\`)
}

// resolveTemplate returns the override when it is usable, otherwise the
// default. An override may be inline text or a file path. Any problem
// (unreadable file, missing placeholder) logs a warning and falls back;
// template resolution is never fatal.
func resolveTemplate(name, override, def string) string {
	if override == "" {
		return def
	}
	tpl := override
	if isTemplatePath(override) {
		b, err := os.ReadFile(override)
		if err != nil {
			slog.Warn("query: template file unreadable, using default",
				"template", name, "path", override, "error", err)
			return def
		}
		tpl = string(b)
	}
	for _, ph := range []string{placeholderContextData, placeholderResponseType} {
		if !strings.Contains(tpl, ph) {
			slog.Warn("query: template missing required placeholder, using default",
				"template", name, "placeholder", ph)
			return def
		}
	}
	return tpl
}

// renderTemplate fills the two placeholders.
func renderTemplate(tpl, contextData, responseType string) string {
	out := strings.ReplaceAll(tpl, placeholderContextData, contextData)
	return strings.ReplaceAll(out, placeholderResponseType, responseType)
}

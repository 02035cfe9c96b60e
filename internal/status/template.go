package status

import (
	"regexp"
	"strings"

	"github.com/devscene/backend/internal/pathexpr"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// RenderTemplate replaces {{path}} placeholders in tmpl. {{value}} is the
// bound value itself; any other path is tried against each scope in order.
// Unresolved placeholders render as the empty string.
func RenderTemplate(tmpl string, value any, scopes ...any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		expr := placeholderRe.FindStringSubmatch(m)[1]
		if expr == "value" {
			return FormatValue(value)
		}
		for _, scope := range scopes {
			if v, ok := pathexpr.LookupSample(scope, expr); ok {
				return FormatValue(v)
			}
		}
		return ""
	})
}

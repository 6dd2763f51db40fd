package channel

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{key}} placeholders with params. Unknown keys render empty.
func Render(tmpl string, params map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return params[key]
	})
}

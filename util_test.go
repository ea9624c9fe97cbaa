package dbreconcile

import (
	"strings"
	"testing"
)

// TrimIndent strips the common leading whitespace from every line so SQL and
// YAML literals can be indented along with the test code.
func TrimIndent(t *testing.T, src string) string {
	t.Helper()
	lines := strings.Split(src, "\n")
	indent := ""
	for _, l := range lines {
		trimmed := strings.TrimLeft(l, " \t")
		if trimmed == "" {
			continue
		}
		prefix := l[:len(l)-len(trimmed)]
		if indent == "" || len(prefix) < len(indent) {
			indent = prefix
		}
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimLeft(l, " \t") == "" {
			out = append(out, "")
			continue
		}
		out = append(out, strings.TrimPrefix(l, indent))
	}
	return strings.TrimLeft(strings.Join(out, "\n"), "\n")
}

package jsbridge

import (
	"strings"

	"github.com/iancoleman/strcase"
)

// ExportName converts a Go-side identifier into the lower camel case name
// JavaScript sees: "tick_count" and "TickCount" both become "tickCount".
// Getter and setter prefixes ("get_", "set_") are stripped first.
func ExportName(name string) string {
	for _, prefix := range []string{"get_", "set_"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
			name = rest
			break
		}
	}
	return strcase.ToLowerCamel(name)
}

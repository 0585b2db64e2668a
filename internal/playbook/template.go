package playbook

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var templatePattern = regexp.MustCompile(`\{(\w+(?:\.\w+)*)\}`)

// Resolve expands {placeholder} templates against a flattened identity field
// map. Three forms are understood: {identity.<field>}, {password_variants.<name>}
// and the bare shorthand {<field>}. Unresolved placeholders are left verbatim
// and reported with a warning.
func Resolve(template string, fields map[string]string, logger *zap.Logger) string {
	if !strings.Contains(template, "{") {
		return template
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		lookup := key
		if field, ok := strings.CutPrefix(key, "identity."); ok {
			lookup = field
		}
		if value, ok := fields[lookup]; ok {
			return value
		}
		logger.Warn("Unresolved template variable", zap.String("placeholder", key))
		return match
	})
}

// Placeholders lists the field names a template refers to, with the
// identity. prefix removed.
func Placeholders(template string) []string {
	var out []string
	for _, m := range templatePattern.FindAllStringSubmatch(template, -1) {
		out = append(out, strings.TrimPrefix(m[1], "identity."))
	}
	return out
}

// Package llmutil holds helpers for coercing free-form model replies into
// structured values.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backticks are written as \x60 so the pattern can live in a normal string.
var fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSONObject returns the most plausible JSON object in text. A fenced
// code block wins; otherwise the span from the first '{' to the last '}' is
// used. Text without braces is returned trimmed and unchanged.
func ExtractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if m := fencedBlockRegex.FindStringSubmatch(text); len(m) > 1 && strings.Contains(m[1], "{") {
		text = strings.TrimSpace(m[1])
	}
	first, last := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if first == -1 || last <= first {
		return text
	}
	return text[first : last+1]
}

// ParseJSONObject decodes the JSON object found in a model reply into T.
func ParseJSONObject[T any](text string) (T, error) {
	var out T
	candidate := ExtractJSONObject(text)
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return out, fmt.Errorf("failed to decode model JSON (%s): %w", Truncate(candidate, 120), err)
	}
	return out, nil
}

// Truncate shortens s to n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	return string(r[:n]) + "..."
}

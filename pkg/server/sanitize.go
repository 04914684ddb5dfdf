package server

import (
	"github.com/microcosm-cc/bluemonday"
)

// Caps on user-controlled payloads. The webhook body itself is bounded by
// maxBodyBytes; individual fields are truncated after sanitization.
const (
	maxBodyBytes  = 1 << 20
	maxTextLen    = 32000
	maxFieldLen   = 2000
	maxHistoryLen = 100
)

// sanitizer strips all HTML except a small inline-formatting allow-list.
type sanitizer struct {
	policy *bluemonday.Policy
}

func newSanitizer() *sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("a", "b", "i", "u", "em", "strong", "p", "br", "ul", "ol", "li", "code", "pre")
	p.AllowAttrs("href", "title", "target").OnElements("a")
	return &sanitizer{policy: p}
}

func (s *sanitizer) clean(value string, max int) string {
	out := s.policy.Sanitize(value)
	if len(out) > max {
		out = truncateRunes(out, max)
	}
	return out
}

// cleanValue sanitizes every string reachable through maps and slices,
// leaving other scalars untouched.
func (s *sanitizer) cleanValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return s.clean(v, maxFieldLen)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = s.cleanValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = s.cleanValue(item)
		}
		return out
	default:
		return v
	}
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes)
}

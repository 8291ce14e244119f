// Package redact masks provider credentials in any payload before it
// leaves the process boundary. Redaction is outbound-only: stored data
// stays unmasked for forensic use.
package redact

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Mask replaces any matched secret.
const Mask = "***REDACTED***"

// Patterns for known credential formats. The sk-ant pattern must run
// before the generic sk pattern.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{20,}`),
}

var sensitiveKeys = []string{
	"api_key",
	"apikey",
	"api-key",
	"secret_key",
	"secret",
	"password",
	"token",
	"credential",
}

// String masks every credential pattern in a string.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return s
}

// SensitiveKey reports whether a field name likely holds a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Value recursively masks maps, slices, and strings. Values under
// sensitive keys are masked wholesale regardless of format.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if SensitiveKey(k) {
				if _, isStr := val.(string); isStr {
					out[k] = Mask
					continue
				}
			}
			out[k] = Value(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	case string:
		return String(t)
	default:
		return v
	}
}

// JSON marshals v, then masks the resulting document. Everything the API
// or SSE layer emits goes through here.
func JSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	masked, err := json.Marshal(Value(doc))
	if err != nil {
		return nil, err
	}
	return masked, nil
}

// Package redact strips sensitive fields from call payloads and caps
// their serialized size before anything is persisted or logged.
package redact

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	// RedactedValue replaces the value of a denylisted field.
	RedactedValue = "[REDACTED]"
	// TruncationMarker is appended when a payload exceeds the size cap.
	TruncationMarker = "…[truncated]"
	// Placeholder stands in for payloads that cannot be serialized
	// (cyclic values, unsupported types). Recording never aborts a call.
	Placeholder = `"[unserializable]"`

	// DefaultMaxBytes caps the serialized payload size.
	DefaultMaxBytes = 4096
)

// defaultDenyFields are always stripped, regardless of policy.
var defaultDenyFields = []string{
	"authorization",
	"api_key",
	"apikey",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"password",
	"credentials",
	"private_key",
	"reasoning",
	"thinking",
}

// Filter sanitizes payloads. It is pure and performs no I/O; a zero-value
// Filter is not usable, construct one with New.
type Filter struct {
	maxBytes int
	deny     map[string]struct{}
}

// New creates a filter with the built-in denylist plus extraDenyFields
// (typically supplied by the recording policy). Field matching is
// case-insensitive. maxBytes <= 0 selects DefaultMaxBytes.
func New(maxBytes int, extraDenyFields []string) *Filter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	deny := make(map[string]struct{}, len(defaultDenyFields)+len(extraDenyFields))
	for _, f := range defaultDenyFields {
		deny[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range extraDenyFields {
		deny[strings.ToLower(f)] = struct{}{}
	}
	return &Filter{maxBytes: maxBytes, deny: deny}
}

// Sanitize strips denylisted fields from v and serializes the remainder
// to a size-capped JSON string. Returns nil for nil input. Never fails:
// unserializable input degrades to Placeholder.
func (f *Filter) Sanitize(v any) *string {
	if v == nil {
		return nil
	}

	// A round-trip through encoding/json both normalizes the value into
	// maps/slices we can walk and rejects cyclic input up front.
	raw, err := json.Marshal(v)
	if err != nil {
		out := Placeholder
		return &out
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		out := Placeholder
		return &out
	}

	cleaned, err := json.Marshal(f.strip(decoded))
	if err != nil {
		out := Placeholder
		return &out
	}

	out := f.truncate(string(cleaned))
	return &out
}

// strip walks the decoded value and replaces denylisted field values.
func (f *Filter) strip(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if _, denied := f.deny[strings.ToLower(k)]; denied {
				out[k] = RedactedValue
				continue
			}
			out[k] = f.strip(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = f.strip(child)
		}
		return out
	default:
		return v
	}
}

// truncate cuts s at the byte cap on a UTF-8 boundary and appends the
// canonical marker.
func (f *Filter) truncate(s string) string {
	if len(s) <= f.maxBytes {
		return s
	}
	cut := f.maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

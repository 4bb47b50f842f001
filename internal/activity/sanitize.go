package activity

import "strings"

// DefaultDenylist covers the field names that must never reach a stored
// snapshot. Matching is case-insensitive on substrings, so "userPassword"
// and "recovery_email" are both caught.
var DefaultDenylist = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"apikey",
	"api_key",
	"recoveryemail",
	"recovery_email",
	"phone",
}

const redactedValue = "[REDACTED]"

// Sanitizer strips sensitive fields from entity snapshots before they are
// persisted.
type Sanitizer struct {
	denylist []string
}

// NewSanitizer builds a sanitizer from the configured denylist. An empty
// list falls back to DefaultDenylist.
func NewSanitizer(denylist []string) *Sanitizer {
	if len(denylist) == 0 {
		denylist = DefaultDenylist
	}
	normalized := make([]string, 0, len(denylist))
	for _, entry := range denylist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			normalized = append(normalized, entry)
		}
	}
	return &Sanitizer{denylist: normalized}
}

// Sensitive reports whether a field name matches the denylist.
func (s *Sanitizer) Sensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, entry := range s.denylist {
		if strings.Contains(lower, entry) {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of in with denylisted fields redacted.
// Nested maps and slices of maps are walked; the input is never modified.
func (s *Sanitizer) Snapshot(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if s.Sensitive(key) {
			out[key] = redactedValue
			continue
		}
		out[key] = s.sanitizeValue(value)
	}
	return out
}

func (s *Sanitizer) sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return s.Snapshot(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}

// Changes redacts old/new values for denylisted fields while preserving the
// change ordering.
func (s *Sanitizer) Changes(changes []FieldChange) []FieldChange {
	if len(changes) == 0 {
		return nil
	}
	out := make([]FieldChange, len(changes))
	for i, ch := range changes {
		if s.Sensitive(ch.Field) {
			ch.OldValue = redactedValue
			ch.NewValue = redactedValue
		}
		out[i] = ch
	}
	return out
}

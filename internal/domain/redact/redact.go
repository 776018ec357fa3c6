// Package redact scrubs sensitive material from tool-call arguments
// before they are persisted or returned to callers.
package redact

import "strings"

// Placeholder values substituted for sensitive content.
const (
	// MaskValue replaces values whose key looks credential-bearing.
	MaskValue = "***REDACTED***"
	// MaskPath replaces string values that reference secret files.
	MaskPath = "***REDACTED_PATH***"
)

// defaultSensitiveKeys are key substrings that mark a value as secret.
var defaultSensitiveKeys = []string{"password", "secret", "token", "key"}

// defaultPathSuffixes are filename suffixes that mark a path as secret.
var defaultPathSuffixes = []string{".key", ".pem"}

// defaultPathMarkers are substrings that mark a path as secret anywhere
// in the string.
var defaultPathMarkers = []string{".env"}

// Redactor rewrites argument maps with sensitive values masked.
// The zero value is not usable; construct with New.
type Redactor struct {
	sensitiveKeys []string
	pathSuffixes  []string
	pathMarkers   []string
}

// Option configures a Redactor.
type Option func(*Redactor)

// WithExtraSensitiveKeys appends additional key substrings to the
// built-in sensitive set.
func WithExtraSensitiveKeys(keys ...string) Option {
	return func(r *Redactor) {
		for _, k := range keys {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" {
				r.sensitiveKeys = append(r.sensitiveKeys, k)
			}
		}
	}
}

// New creates a Redactor with the default rules plus any options.
func New(opts ...Option) *Redactor {
	r := &Redactor{
		sensitiveKeys: append([]string(nil), defaultSensitiveKeys...),
		pathSuffixes:  append([]string(nil), defaultPathSuffixes...),
		pathMarkers:   append([]string(nil), defaultPathMarkers...),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Args returns a deep copy of args with sensitive values masked.
// The input map is never mutated. Applying Args to already-redacted
// arguments is a no-op, so redaction is idempotent.
func (r *Redactor) Args(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if r.sensitiveKey(k) {
			out[k] = MaskValue
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

// value redacts a single value, recursing into nested maps and slices.
func (r *Redactor) value(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if r.sensitivePath(val) {
			return MaskPath
		}
		return val
	case map[string]interface{}:
		return r.Args(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.value(item)
		}
		return out
	default:
		return v
	}
}

// sensitiveKey reports whether the key names credential-bearing content.
func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range r.sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// sensitivePath reports whether a string value references a secret file.
func (r *Redactor) sensitivePath(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range r.pathMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	for _, suf := range r.pathSuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}

package audit

import "strings"

// Keys that never reach the trail: credentials exactly, anything
// secret-shaped by substring.
var (
	removeKeys = []string{
		"token",
		"api-key",
		"api-sign",
		"authorization",
		"nonce",
	}
	removeKeySubstrings = []string{
		"secret",
		"password",
		"apikey",
		"api_key",
	}
)

// Sanitize returns a deep copy of data with credential-bearing keys removed.
// The input is never mutated.
func Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cleaned, _ := sanitizeValue(data).(map[string]any)
	return cleaned
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if blockedKey(key) {
				continue
			}
			out[key] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, sanitizeValue(item))
		}
		return out
	default:
		return value
	}
}

func blockedKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range removeKeys {
		if lower == k {
			return true
		}
	}
	for _, needle := range removeKeySubstrings {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

package logging

import (
	"log/slog"
	"strings"
)

var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"jwt_secret":    true,
	"secret":        true,
	"token":         true,
	"password":      true,
}

func isSecretKey(key string) bool {
	return secretKeys[strings.ToLower(strings.TrimSpace(key))]
}

// RedactValue masks all but the last four characters of a secret.
func RedactValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "bearer ") {
		return "Bearer " + mask(trimmed[7:])
	}
	return mask(trimmed)
}

func mask(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// Redact returns a copy of m with secret-looking keys masked, recursing
// into nested maps.
func Redact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, val := range m {
		switch typed := val.(type) {
		case map[string]any:
			out[key] = Redact(typed)
		case string:
			if isSecretKey(key) {
				out[key] = RedactValue(typed)
			} else {
				out[key] = typed
			}
		default:
			out[key] = val
		}
	}
	return out
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, RedactValue(a.Value.String()))
	}
	return a
}

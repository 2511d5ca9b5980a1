package log

import (
	"strings"
)

var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key",
	"token", "secret", "authorization",
	"credential", "private_key", "dsn",
}

// SanitizeField masks the value when the key names a credential.
// Email-like keys keep their domain.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "email") {
		return sanitizeEmail(value)
	}
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeToken(value)
		}
	}
	return value
}

// sanitizeToken keeps the first and last 4 characters of long values.
func sanitizeToken(value string) string {
	switch {
	case len(value) <= 2:
		return strings.Repeat("*", len(value))
	case len(value) <= 8:
		return value[:1] + strings.Repeat("*", len(value)-2) + value[len(value)-1:]
	default:
		return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
}

func sanitizeEmail(value string) string {
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 {
		return strings.Repeat("*", len(value))
	}
	local, domain := value[:at], value[at+1:]
	if len(local) <= 3 {
		return local[:1] + strings.Repeat("*", len(local)-1) + "@" + domain
	}
	return local[:3] + "***@" + domain
}

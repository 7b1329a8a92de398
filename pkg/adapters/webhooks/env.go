package webhooks

import (
	"os"
	"strings"
)

// parseBoolEnv interprets common truthy values (1, true, yes, on) in a
// case-insensitive manner.
func parseBoolEnv(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// EnabledFromEnv reads a boolean toggle, returning fallback when name is unset.
func EnabledFromEnv(name string, fallback bool) bool {
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBoolEnv(value)
}

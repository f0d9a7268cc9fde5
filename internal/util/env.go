package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseIntEnv parses a positive integer environment variable.
// Unset, invalid or non-positive values return defaultValue.
func ParseIntEnv(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		slog.Warn("ParseIntEnv: invalid integer value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}

// ParseMillisEnv parses a positive millisecond count into a duration.
func ParseMillisEnv(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(ParseIntEnv(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

// ParseDaysEnv parses a positive number of days into a duration.
func ParseDaysEnv(key string, defaultValue time.Duration) time.Duration {
	const day = 24 * time.Hour
	return time.Duration(ParseIntEnv(key, int(defaultValue/day))) * day
}

// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv returns the value of an environment variable, or defaultVal if unset.
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GetEnvInt parses an integer environment variable, or returns defaultVal if
// unset or unparsable.
func GetEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// GetEnvDuration parses an environment variable given in whole seconds, or
// returns defaultVal if unset or unparsable.
func GetEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

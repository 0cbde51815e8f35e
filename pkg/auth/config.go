package auth

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the authorization gate configuration.
type Config struct {
	// APIKey grants read access and the right to request action tokens.
	APIKey string
	// JwtSecret signs action tokens.
	JwtSecret []byte
	// ActionTokenExpiration bounds how long an issued action token stays usable.
	ActionTokenExpiration time.Duration
}

// NewConfig initializes the authorization configuration from environment variables.
func NewConfig() (*Config, error) {
	authConfig := &Config{
		APIKey: getEnv("API_KEY", ""),
	}
	if authConfig.APIKey == "" {
		return nil, fmt.Errorf("API_KEY environment variable is required")
	}

	jwtSecret, err := getEnvBytes("JWT_SECRET")
	if err != nil {
		jwtSecret = make([]byte, 32)
		if _, err := rand.Read(jwtSecret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		logrus.Info("JWT_SECRET not set. Action tokens will not survive a restart.")
	}
	authConfig.JwtSecret = jwtSecret

	authConfig.ActionTokenExpiration, err = parseDurationString(getEnv("ACTION_TOKEN_TTL", "minutes=5"))
	if err != nil {
		return nil, fmt.Errorf("error parsing ACTION_TOKEN_TTL: %w", err)
	}
	if authConfig.ActionTokenExpiration <= 0 {
		return nil, fmt.Errorf("ACTION_TOKEN_TTL must be positive")
	}

	return authConfig, nil
}

// getEnv retrieves the value of the environment variable named by the key.
// It returns the value, or the defaultValue if the variable is not present.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getEnvBytes retrieves the byte slice value of the environment variable named by the key.
// It returns the byte slice, or an error if the variable is not set.
func getEnvBytes(key string) ([]byte, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return nil, fmt.Errorf("environment variable %s not set", key)
	}
	return []byte(value), nil
}

// parseDurationString parses a duration string formatted as "minutes=1, hours=2, days=3, seconds=30"
func parseDurationString(s string) (time.Duration, error) {
	parts := strings.Split(s, ",")
	var totalDuration time.Duration

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		keyValue := strings.SplitN(part, "=", 2)
		if len(keyValue) != 2 {
			return 0, fmt.Errorf("invalid format for part: '%s'", part)
		}
		key := strings.ToLower(strings.TrimSpace(keyValue[0]))
		valueStr := strings.TrimSpace(keyValue[1])
		value, err := strconv.Atoi(valueStr)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: '%s'", key, valueStr)
		}

		switch key {
		case "minutes":
			totalDuration += time.Duration(value) * time.Minute
		case "hours":
			totalDuration += time.Duration(value) * time.Hour
		case "days":
			totalDuration += time.Duration(value) * 24 * time.Hour
		case "seconds":
			totalDuration += time.Duration(value) * time.Second
		default:
			return 0, fmt.Errorf("unknown time unit: '%s'", key)
		}
	}

	return totalDuration, nil
}

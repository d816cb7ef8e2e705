package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EnvValidator handles validation of required environment variables
type EnvValidator struct{}

// NewEnvValidator creates a new environment validator instance
func NewEnvValidator() *EnvValidator {
	return &EnvValidator{}
}

// ValidateRequired validates that all required environment variables are present
// Returns an error if any required variables are missing
func (e *EnvValidator) ValidateRequired() error {
	requiredVars := []string{"BOT_TOKEN", "API_ID", "API_HASH"}

	var missingVars []string
	for _, varName := range requiredVars {
		if value := os.Getenv(varName); value == "" {
			missingVars = append(missingVars, varName)
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v. Please set these variables in your .env file or environment", missingVars)
	}

	// Validate API_ID is a valid integer
	if _, _, err := e.GetAPICredentials(); err != nil {
		return fmt.Errorf("invalid API_ID: %w", err)
	}

	return nil
}

// GetBotToken returns the bot token from environment variables
func (e *EnvValidator) GetBotToken() string {
	return os.Getenv("BOT_TOKEN")
}

// GetAPICredentials returns the API ID and API Hash from environment variables
// Returns an error if API_ID cannot be converted to integer
func (e *EnvValidator) GetAPICredentials() (apiID int, apiHash string, err error) {
	apiIDStr := os.Getenv("API_ID")
	apiHash = os.Getenv("API_HASH")

	if apiIDStr == "" {
		return 0, "", fmt.Errorf("API_ID environment variable is not set")
	}

	if apiHash == "" {
		return 0, "", fmt.Errorf("API_HASH environment variable is not set")
	}

	apiID, err = strconv.Atoi(apiIDStr)
	if err != nil {
		return 0, "", fmt.Errorf("API_ID must be a valid integer, got: %s", apiIDStr)
	}

	return apiID, apiHash, nil
}

// GetString returns an optional string variable or its default
func (e *EnvValidator) GetString(name, defaultValue string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return defaultValue
}

// GetInt returns an optional integer variable or its default. Unparseable
// values fall back to the default with a warning on stderr.
func (e *EnvValidator) GetInt(name string, defaultValue int) int {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not an integer, using %d\n", name, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// GetInt64 returns an optional 64-bit integer variable or its default
func (e *EnvValidator) GetInt64(name string, defaultValue int64) int64 {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not an integer, using %d\n", name, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// GetDuration returns an optional duration variable or its default.
// Values use Go duration syntax, like 90s or 10m.
func (e *EnvValidator) GetDuration(name string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not a duration, using %v\n", name, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// GetBool returns an optional boolean variable or its default
func (e *EnvValidator) GetBool(name string, defaultValue bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s=%q is not a boolean, using %v\n", name, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "LEAFWATCH_DEBUG", validateEnvBool},

		{"prediction.threshold", "LEAFWATCH_THRESHOLD", validateEnvThreshold},
		{"prediction.topk", "LEAFWATCH_TOPK", validateEnvTopK},
		{"prediction.allowguest", "LEAFWATCH_ALLOW_GUEST", validateEnvBool},

		{"inference.baseurl", "LEAFWATCH_INFERENCE_URL", validateEnvURL},
		{"inference.timeout", "LEAFWATCH_INFERENCE_TIMEOUT", nil},

		{"datastore.sqlite.path", "LEAFWATCH_SQLITE_PATH", nil},
		{"datastore.mysql.host", "LEAFWATCH_MYSQL_HOST", nil},
		{"datastore.mysql.username", "LEAFWATCH_MYSQL_USERNAME", nil},
		{"datastore.mysql.password", "LEAFWATCH_MYSQL_PASSWORD", nil},

		{"webserver.listen", "LEAFWATCH_LISTEN", nil},
		{"sentry.dsn", "LEAFWATCH_SENTRY_DSN", nil},
		{"mqtt.password", "LEAFWATCH_MQTT_PASSWORD", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvThreshold(value string) error {
	threshold, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid threshold: %w", err)
	}
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %g", threshold)
	}
	return nil
}

func validateEnvTopK(value string) error {
	topK, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid topk: %w", err)
	}
	if topK < 1 || topK > maxTopK {
		return fmt.Errorf("topk must be between 1 and %d, got %d", maxTopK, topK)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got '%s'", u.Scheme)
	}
	return nil
}

// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

const maxTopK = 10

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validatePredictionSettings(&settings.Prediction); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateInferenceSettings(&settings.Inference); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateDatastoreSettings(&settings.Datastore); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateNotificationSettings(settings); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry is enabled but no DSN is configured")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validatePredictionSettings(s *PredictionSettings) error {
	var errs []string

	if s.Threshold < 0 || s.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("prediction threshold must be between 0 and 1, got %g", s.Threshold))
	}
	if s.TopK < 1 || s.TopK > maxTopK {
		errs = append(errs, fmt.Sprintf("prediction topk must be between 1 and %d, got %d", maxTopK, s.TopK))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateInferenceSettings(s *InferenceSettings) error {
	if s.BaseURL == "" {
		return fmt.Errorf("inference base URL is required")
	}
	if err := validateEnvURL(s.BaseURL); err != nil {
		return fmt.Errorf("inference base URL: %w", err)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("inference timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

func validateDatastoreSettings(s *DatastoreSettings) error {
	switch {
	case s.SQLite.Enabled && s.MySQL.Enabled:
		return fmt.Errorf("only one datastore can be enabled, both sqlite and mysql are set")
	case !s.SQLite.Enabled && !s.MySQL.Enabled:
		return fmt.Errorf("a datastore must be enabled")
	case s.SQLite.Enabled && s.SQLite.Path == "":
		return fmt.Errorf("sqlite path is required")
	case s.MySQL.Enabled && (s.MySQL.Host == "" || s.MySQL.Database == ""):
		return fmt.Errorf("mysql host and database are required")
	}
	return nil
}

func validateNotificationSettings(settings *Settings) error {
	push := settings.Notification.Push
	if push.Enabled {
		if len(push.URLs) == 0 {
			return fmt.Errorf("push notifications are enabled but no URLs are configured")
		}
		if push.RateLimit <= 0 {
			return fmt.Errorf("push rate limit must be positive, got %g", push.RateLimit)
		}
	}

	if settings.MQTT.Enabled {
		u, err := url.Parse(settings.MQTT.Broker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid MQTT broker URL '%s'", settings.MQTT.Broker)
		}
		if settings.MQTT.Topic == "" {
			return fmt.Errorf("mqtt topic is required")
		}
	}
	return nil
}

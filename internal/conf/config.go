// Package conf loads LeafWatch settings from config.yaml, environment
// variables and command line flags through viper.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/leafwatch/leafwatch/internal/logger"
)

// Settings contains all configuration options for the service.
type Settings struct {
	Debug bool `yaml:"debug"`

	Logging logger.LoggingConfig `yaml:"logging"`

	Prediction PredictionSettings `yaml:"prediction"`
	Inference  InferenceSettings  `yaml:"inference"`
	Datastore  DatastoreSettings  `yaml:"datastore"`
	WebServer  WebServerSettings  `yaml:"webserver"`

	Notification NotificationSettings `yaml:"notification"`
	MQTT         MQTTSettings         `yaml:"mqtt"`

	Metrics MetricsSettings `yaml:"metrics"`
	Sentry  SentrySettings  `yaml:"sentry"`
}

// PredictionSettings controls the confidence gate and branch fan-out.
type PredictionSettings struct {
	Threshold  float64 `yaml:"threshold"`  // minimum top-1 confidence for a trusted result
	TopK       int     `yaml:"topk"`       // number of ranked branches kept per observation
	AllowGuest bool    `yaml:"allowguest"` // create a guest user when the requester is unknown
}

// InferenceSettings points at the external image classification service.
type InferenceSettings struct {
	BaseURL   string        `yaml:"baseurl"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"useragent"`
}

// DatastoreSettings selects exactly one database backend.
type DatastoreSettings struct {
	SQLite SQLiteSettings `yaml:"sqlite"`
	MySQL  MySQLSettings  `yaml:"mysql"`
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// WebServerSettings contains settings for the REST API server.
type WebServerSettings struct {
	Listen        string  `yaml:"listen"`
	SSERateLimit  float64 `yaml:"sseratelimit"`  // stream connections per minute per client
	MaxUploadSize int64   `yaml:"maxuploadsize"` // bytes
}

// NotificationSettings controls status fan-out to subscribers and push sinks.
type NotificationSettings struct {
	Buffer int          `yaml:"buffer"` // per-subscriber channel capacity
	Push   PushSettings `yaml:"push"`
}

// PushSettings configures shoutrrr push delivery of final results.
type PushSettings struct {
	Enabled   bool          `yaml:"enabled"`
	URLs      []string      `yaml:"urls"`
	RateLimit float64       `yaml:"ratelimit"` // events per second
	Timeout   time.Duration `yaml:"timeout"`
}

// MQTTSettings configures the MQTT result sink.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"clientid"`
}

// MetricsSettings toggles the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SentrySettings controls opt-in error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// GetSettings returns the most recently loaded settings, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		// Invalid env values are reported but do not stop startup; validation
		// catches anything that actually matters.
		fmt.Fprintln(os.Stderr, err)
	}

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml in
// priority order. LEAFWATCH_CONFIG_DIR, when set, comes first.
func GetDefaultConfigPaths() ([]string, error) {
	var paths []string
	if dir := os.Getenv("LEAFWATCH_CONFIG_DIR"); dir != "" {
		paths = append(paths, dir)
	}

	paths = append(paths, ".")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error fetching user home directory: %w", err)
	}
	paths = append(paths, filepath.Join(homeDir, ".config", "leafwatch"), "/etc/leafwatch")

	return paths, nil
}

// createDefaultConfig writes the current defaults as config.yaml in dir and
// reads it back.
func createDefaultConfig(dir string) error {
	defaults := &Settings{}
	if err := viper.Unmarshal(defaults); err != nil {
		return fmt.Errorf("error building default config: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := SaveYAMLConfig(configPath, defaults); err != nil {
		return err
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// SaveYAMLConfig writes settings to configPath through a temp file and rename.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	tempFile := configPath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	if err := os.Rename(tempFile, configPath); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("error replacing config file: %w", err)
	}

	return nil
}

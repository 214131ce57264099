// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default prediction parameters
const (
	DefaultThreshold = 0.50
	DefaultTopK      = 3
)

// setDefaultConfig sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/leafwatch.log")
	viper.SetDefault("logging.file_output.level", "info")
	viper.SetDefault("logging.module_levels", map[string]string{})

	viper.SetDefault("prediction.threshold", DefaultThreshold)
	viper.SetDefault("prediction.topk", DefaultTopK)
	viper.SetDefault("prediction.allowguest", true)

	viper.SetDefault("inference.baseurl", "http://localhost:8000")
	viper.SetDefault("inference.timeout", 30*time.Second)
	viper.SetDefault("inference.useragent", "LeafWatch")

	viper.SetDefault("datastore.sqlite.enabled", true)
	viper.SetDefault("datastore.sqlite.path", "leafwatch.db")
	viper.SetDefault("datastore.mysql.enabled", false)
	viper.SetDefault("datastore.mysql.host", "localhost")
	viper.SetDefault("datastore.mysql.port", "3306")
	viper.SetDefault("datastore.mysql.username", "")
	viper.SetDefault("datastore.mysql.password", "")
	viper.SetDefault("datastore.mysql.database", "leafwatch")

	viper.SetDefault("webserver.listen", ":8080")
	viper.SetDefault("webserver.sseratelimit", 10)
	viper.SetDefault("webserver.maxuploadsize", 10<<20)

	viper.SetDefault("notification.buffer", 32)
	viper.SetDefault("notification.push.enabled", false)
	viper.SetDefault("notification.push.urls", []string{})
	viper.SetDefault("notification.push.ratelimit", 1.0)
	viper.SetDefault("notification.push.timeout", 10*time.Second)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "leafwatch/predictions")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.clientid", "leafwatch")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")
}

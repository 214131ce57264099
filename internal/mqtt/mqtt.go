// Package mqtt publishes prediction results to an MQTT broker.
package mqtt

import (
	"context"
	"time"
)

// Client defines the MQTT operations the notification sink needs
type Client interface {
	// Connect dials the broker. Calls closer together than the reconnect
	// cooldown are refused.
	Connect(ctx context.Context) error

	// Publish sends payload to topic, or to the configured topic when
	// topic is empty.
	Publish(ctx context.Context, topic, payload string) error

	IsConnected() bool

	Disconnect()
}

// Config holds the connection settings
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	Topic             string
	Retain            bool
	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns timeouts suitable for a local broker
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/mqtt"
)

const pushTitle = "LeafWatch prediction"

// Sink receives final results outside the process
type Sink interface {
	Name() string
	Send(ctx context.Context, userID uint, event Event) error
}

// ShoutrrrSink sends results to every configured shoutrrr URL
type ShoutrrrSink struct {
	sender *router.ServiceRouter
}

// NewShoutrrrSink validates urls and builds one sender for all of them
func NewShoutrrrSink(urls []string, timeout time.Duration) (*ShoutrrrSink, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one push URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// URLs carry tokens, so only the scrubbed message is kept
		return nil, errors.Newf("invalid push URL: %s", errors.ScrubMessage(err.Error())).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &ShoutrrrSink{sender: sender}, nil
}

func (s *ShoutrrrSink) Name() string { return "push" }

// Send formats event as a short text message
func (s *ShoutrrrSink) Send(_ context.Context, userID uint, event Event) error {
	params := types.Params{}
	params.SetTitle(pushTitle)

	for _, err := range s.sender.Send(formatPushMessage(userID, event), &params) {
		if err != nil {
			return errors.Newf("push delivery failed: %s", errors.ScrubMessage(err.Error())).
				Component("notification").
				Category(errors.CategoryNotification).
				Build()
		}
	}
	return nil
}

func formatPushMessage(userID uint, event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] user %d", event.Stage, userID)
	if event.Message != "" {
		b.WriteString(": ")
		b.WriteString(event.Message)
	}
	return b.String()
}

// MQTTSink publishes results as JSON to a topic
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTSink wraps a connected client. An empty topic uses the client's
// configured topic.
func NewMQTTSink(client mqtt.Client, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// mqttMessage is the published JSON document
type mqttMessage struct {
	UserID uint `json:"user_id"`
	Event
}

func (s *MQTTSink) Send(ctx context.Context, userID uint, event Event) error {
	payload, err := json.Marshal(mqttMessage{UserID: userID, Event: event})
	if err != nil {
		return errors.New(err).
			Component("notification").
			Category(errors.CategoryMQTTPublish).
			Context("operation", "marshal_result").
			Build()
	}
	// a broker that was down at startup is retried here, bounded by the
	// client's reconnect cooldown
	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			return err
		}
	}
	return s.client.Publish(ctx, s.topic, string(payload))
}

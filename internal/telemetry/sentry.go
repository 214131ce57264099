// Package telemetry initialises opt-in Sentry error reporting and hooks it
// into the enhanced error builder.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
)

const flushTimeout = 2 * time.Second

var initialized atomic.Bool

// Options configures Sentry
type Options struct {
	DSN         string
	Environment string
	Release     string
	// Transport replaces the HTTP transport, used by tests
	Transport sentry.Transport
}

// InitSentry initialises Sentry when settings enable it. It returns false
// without error when reporting is disabled.
func InitSentry(settings *conf.Settings, release string, log logger.Logger) (bool, error) {
	if settings == nil || !settings.Sentry.Enabled {
		return false, nil
	}
	err := Init(Options{
		DSN:         settings.Sentry.DSN,
		Environment: settings.Sentry.Environment,
		Release:     release,
	})
	if err != nil {
		return false, err
	}
	if log != nil {
		log.Module("telemetry").Info("error reporting enabled",
			logger.String("environment", settings.Sentry.Environment))
	}
	return true, nil
}

// Init starts the Sentry client and installs the error reporter
func Init(opts Options) error {
	if opts.DSN == "" && opts.Transport == nil {
		return errors.Newf("sentry DSN is required when error reporting is enabled").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Environment == "" {
		opts.Environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              opts.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      opts.Environment,
		ServerName:       "",
		Release:          fmt.Sprintf("leafwatch@%s", opts.Release),
		Transport:        opts.Transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized.Store(true)
	return nil
}

// applyPrivacyFilters drops host and user identity from an event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil
	event.Message = errors.ScrubMessage(event.Message)

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	for i := range event.Exception {
		event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
	}
	return event
}

// Shutdown flushes pending events and detaches the reporter
func Shutdown() {
	if !initialized.CompareAndSwap(true, false) {
		return
	}
	sentry.Flush(flushTimeout)
	errors.SetTelemetryReporter(nil)
}

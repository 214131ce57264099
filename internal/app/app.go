// Package app builds the LeafWatch service graph from settings. Commands
// construct an App, use the parts they need and Close it.
package app

import (
	"context"
	"time"

	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/catalog"
	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/feedback"
	"github.com/leafwatch/leafwatch/internal/inference"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/mqtt"
	"github.com/leafwatch/leafwatch/internal/notification"
	"github.com/leafwatch/leafwatch/internal/observability"
	"github.com/leafwatch/leafwatch/internal/prediction"
	"github.com/leafwatch/leafwatch/internal/telemetry"
)

const mqttConnectTimeout = 10 * time.Second

// App holds the wired services
type App struct {
	Settings *conf.Settings
	Info     *buildinfo.Context
	Log      logger.Logger

	Store        datastore.Interface
	Metrics      *observability.Metrics
	Resolver     *catalog.Resolver
	Classifier   *inference.Client
	Hub          *notification.Hub
	Dispatcher   *notification.Dispatcher
	Orchestrator *prediction.Orchestrator
	Curator      *feedback.Curator

	central    *logger.CentralLogger
	root       logger.Logger
	mqttClient mqtt.Client
	sentry     bool
}

// New opens the datastore, warms the catalog cache and wires every service.
// On error everything opened so far is closed again.
func New(ctx context.Context, settings *conf.Settings, info *buildinfo.Context) (*App, error) {
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, err
	}

	a := &App{
		Settings: settings,
		Info:     info,
		Log:      central.Module("main"),
		central:  central,
		root:     central.Module(""),
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	settings := a.Settings

	enabled, err := telemetry.InitSentry(settings, a.Info.Release(), a.root)
	if err != nil {
		a.Log.Warn("error reporting disabled", logger.Error(err))
	}
	a.sentry = enabled

	a.Metrics, err = observability.NewMetrics()
	if err != nil {
		return err
	}

	store, err := datastore.New(settings, a.root)
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return err
	}
	a.Store = store
	store.SetMetrics(a.Metrics.Datastore)

	a.Resolver = catalog.NewResolver(store, a.root)
	a.Resolver.SetMetrics(a.Metrics.Prediction)
	if err := a.Resolver.Load(ctx); err != nil {
		return err
	}

	a.Classifier, err = inference.NewClient(inference.Config{
		BaseURL:   settings.Inference.BaseURL,
		Timeout:   settings.Inference.Timeout,
		UserAgent: settings.Inference.UserAgent,
	}, a.root)
	if err != nil {
		return err
	}
	a.Classifier.SetMetrics(a.Metrics.Prediction)

	a.Hub = notification.NewHub(settings.Notification.Buffer, a.root)
	a.Hub.SetMetrics(a.Metrics.Prediction)
	a.Dispatcher = notification.NewDispatcher(a.Hub, notification.DispatcherConfig{
		SinkTimeout:   settings.Notification.Push.Timeout,
		RatePerSecond: settings.Notification.Push.RateLimit,
	}, a.root)
	a.Dispatcher.SetMetrics(a.Metrics.Prediction)
	a.addSinks(ctx)

	a.Orchestrator = prediction.New(store, a.Classifier, a.Resolver, a.Dispatcher, prediction.Config{
		Threshold:  settings.Prediction.Threshold,
		TopK:       settings.Prediction.TopK,
		AllowGuest: settings.Prediction.AllowGuest,
	}, a.root)
	a.Orchestrator.SetMetrics(a.Metrics.Prediction)

	a.Curator = feedback.NewCurator(store, a.Resolver, a.root)
	a.Curator.SetMetrics(a.Metrics.Prediction)

	stats := a.Resolver.Stats()
	a.Log.Info("services initialised",
		logger.String("version", a.Info.GetVersion()),
		logger.Int("plants", stats.Plants),
		logger.Int("diseases", stats.Diseases),
		logger.Float64("threshold", settings.Prediction.Threshold),
		logger.Bool("error_reporting", a.sentry))
	return nil
}

// addSinks registers the push and MQTT result sinks. A sink that cannot
// be set up is logged and skipped; predictions still run without it.
func (a *App) addSinks(ctx context.Context) {
	settings := a.Settings

	if settings.Notification.Push.Enabled {
		sink, err := notification.NewShoutrrrSink(settings.Notification.Push.URLs, settings.Notification.Push.Timeout)
		if err != nil {
			a.Log.Warn("push notifications disabled", logger.Error(err))
		} else {
			a.Dispatcher.AddSink(sink)
		}
	}

	if settings.MQTT.Enabled {
		client, err := mqtt.NewClient(settings, a.root)
		if err != nil {
			a.Log.Warn("mqtt publishing disabled", logger.Error(err))
			return
		}
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		defer cancel()
		if err := client.Connect(connectCtx); err != nil {
			// the sink reconnects on the next result
			a.Log.Warn("mqtt broker unreachable at startup", logger.Error(err))
		}
		a.mqttClient = client
		a.Dispatcher.AddSink(notification.NewMQTTSink(client, settings.MQTT.Topic))
	}
}

// Close releases everything New opened, in reverse order
func (a *App) Close() {
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	if a.Classifier != nil {
		a.Classifier.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("failed to close datastore", logger.Error(err))
		}
	}
	if a.sentry {
		telemetry.Shutdown()
	}
	_ = a.central.Close()
}

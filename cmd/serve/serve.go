// Package serve provides the command that runs the REST API
package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	api "github.com/leafwatch/leafwatch/internal/api/v2"
	"github.com/leafwatch/leafwatch/internal/app"
	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// Command creates the serve command
func Command(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the prediction API server",
		Long:  "Start the REST API, the per-user event stream and the metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, info)
		},
	}

	cmd.Flags().StringVar(&settings.WebServer.Listen, "listen", viper.GetString("webserver.listen"), "Listen address of the API server")
	cmd.Flags().BoolVar(&settings.Metrics.Enabled, "metrics", viper.GetBool("metrics.enabled"), "Expose Prometheus metrics")

	return cmd
}

func run(parent context.Context, settings *conf.Settings, info *buildinfo.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, settings, info)
	if err != nil {
		return err
	}
	defer a.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	cfg := api.Config{
		MaxUploadSize: settings.WebServer.MaxUploadSize,
		SSERateLimit:  settings.WebServer.SSERateLimit,
		Version:       info.GetVersion(),
	}
	if settings.Metrics.Enabled {
		cfg.Metrics = a.Metrics.Handler()
		cfg.MetricsPath = settings.Metrics.Path
	}

	controller := api.New(e, a.Orchestrator, a.Curator, a.Resolver, cfg, a.Log,
		api.WithEvents(a.Hub),
		api.WithClassifierHealth(a.Classifier))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Log.Info("api server listening", logger.String("address", settings.WebServer.Listen))
		if err := e.Start(settings.WebServer.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New(err).
				Component("serve").
				Category(errors.CategoryNetwork).
				Context("listen", settings.WebServer.Listen).
				Build()
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("shutting down api server")

		// streams hold their requests open, end them before draining
		controller.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

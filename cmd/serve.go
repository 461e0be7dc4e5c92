package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/powerwatch/internal/api"
	"example.com/backstage/services/powerwatch/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 30 * time.Second

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves event batch intake, telemetry, the admin inbox, the partner API and
sizing. When mqtt.enabled is set, telemetry published on the broker is ingested
as well. --worker runs the event worker in the same process.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveWithWorker, "worker", false, "also process queued events in this process")
}

func serve(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Server.AdminToken == "" {
		logger.Warn("server.admin_token is empty, admin routes are unauthenticated")
	}

	handlers := api.NewAPIHandlers(app.services)
	if app.cache != nil {
		handlers.AddStatsSource("cache", app.cache)
	}

	subscriber := startTelemetrySubscriber(app, handlers)
	if subscriber != nil {
		defer subscriber.Stop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	api.SetupRoutes(router, handlers, cfg.Server, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":   server.Addr,
			"worker": serveWithWorker,
		}).Info("PowerWatch API listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if serveWithWorker {
		g.Go(func() error {
			return app.services.Worker.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("PowerWatch API stopped")
	return err
}

// startTelemetrySubscriber returns nil when MQTT is disabled or the broker
// cannot be reached; HTTP telemetry keeps working either way.
func startTelemetrySubscriber(app *application, handlers *api.APIHandlers) *infrastructure.MQTTSubscriber {
	if !cfg.MQTT.Enabled {
		return nil
	}
	subscriber, err := infrastructure.NewMQTTSubscriber(cfg.MQTT, logger)
	if err != nil {
		logger.WithError(err).Warn("MQTT telemetry disabled")
		return nil
	}
	subscriber.RegisterHandler("telemetry", api.TelemetryMessageHandler(app.services.Telemetry, logger))
	if err := subscriber.Start(); err != nil {
		logger.WithError(err).Warn("MQTT broker unavailable, telemetry only over HTTP")
		return nil
	}
	handlers.AddStatsSource("mqtt", subscriber)
	return subscriber
}

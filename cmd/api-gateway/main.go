// API Gateway - HTTP entry point for notification requests
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/app"
	"notification-pipeline/internal/config"
	"notification-pipeline/internal/kafka"
	"notification-pipeline/internal/logging"
	"notification-pipeline/pkg/handlers"
	"notification-pipeline/pkg/middleware"
	"notification-pipeline/pkg/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.New(cfg.Log)
	logger.Info("Starting Notification API Gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inflight := &middleware.InFlight{}
	a, err := app.New(ctx, cfg, logger, inflight)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize notification pipeline")
	}

	opts := a.ServiceOptions()
	if a.Producer != nil {
		// the notifier process owns creation when requests go through Kafka
		opts = append(opts, services.WithQueue(kafka.NewRequestQueue(a.Producer, cfg.Kafka.RequestTopic)))
		logger.WithField("topic", cfg.Kafka.RequestTopic).Info("Requests will be queued to Kafka")
	}
	notificationService := services.NewNotificationService(a.Pipeline, logger, opts...)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())
	router.Use(inflight.Handler())

	handlers.RegisterRoutes(router,
		handlers.NewNotificationHandler(notificationService, logger),
		handlers.NewHealthHandler(ctx, notificationService, cfg.Health.Interval, logger))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Pipeline shutdown incomplete")
	}

	logger.Info("Server exited")
}

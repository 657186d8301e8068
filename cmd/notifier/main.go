// Notifier - consumes notification requests from Kafka and runs them through
// the pipeline
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/app"
	"notification-pipeline/internal/config"
	"notification-pipeline/internal/kafka"
	"notification-pipeline/internal/logging"
	"notification-pipeline/internal/worker"
	"notification-pipeline/pkg/models"
	"notification-pipeline/pkg/services"
)

// notifier wires the consumer, the worker pool and the ops server together
type notifier struct {
	app      *app.App
	service  *services.NotificationService
	pool     *worker.Pool
	consumer *kafka.Consumer
	server   *http.Server

	requests chan *models.NotificationRequest
	errs     chan error
	started  time.Time
	logger   *logrus.Logger
	wg       sync.WaitGroup
}

func newNotifier(a *app.App, logger *logrus.Logger) (*notifier, error) {
	cfg := a.Config
	n := &notifier{
		app:      a,
		service:  services.NewNotificationService(a.Pipeline, logger, a.ServiceOptions()...),
		pool:     worker.NewPool(cfg.Worker.Count, cfg.Worker.MaxQueueSize, a.Pipeline, logger),
		requests: make(chan *models.NotificationRequest, cfg.Worker.MaxQueueSize),
		errs:     make(chan error, 100),
		started:  time.Now(),
		logger:   logger,
	}

	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka, n.requests, n.errs, logger)
		if err != nil {
			return nil, err
		}
		n.consumer = consumer
	} else {
		logger.Warn("Kafka disabled; requests are only accepted on the ops /send endpoint")
	}

	n.server = &http.Server{
		Addr:         ":" + cfg.Ops.Port,
		Handler:      n.opsHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return n, nil
}

func (n *notifier) start(ctx context.Context) {
	n.app.Start(ctx)
	n.pool.Start(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.pool.Feed(ctx, n.requests)
	}()

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.logErrors(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.logResults(ctx)
	}()

	if n.consumer != nil {
		n.consumer.Start(ctx)
	}

	go func() {
		n.logger.WithField("address", n.server.Addr).Info("Ops server starting")
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.WithError(err).Error("Ops server error")
		}
	}()

	n.logger.Info("Notifier started")
}

func (n *notifier) logErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-n.errs:
			n.logger.WithError(err).Error("Kafka consumer error")
		}
	}
}

func (n *notifier) logResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-n.pool.Results():
			entry := n.logger.WithFields(logrus.Fields{
				"worker":   out.WorkerID,
				"userId":   out.Request.UserID,
				"type":     out.Request.Type,
				"duration": out.Duration,
			})
			if out.Err != nil {
				entry.WithError(out.Err).Debug("Request not delivered")
				continue
			}
			entry.WithFields(logrus.Fields{
				"notificationId": out.Result.NotificationID,
				"batched":        out.Result.Batched,
			}).Debug("Request processed")
		}
	}
}

func (n *notifier) stop(ctx context.Context) {
	n.logger.Info("Shutting down notifier...")

	if err := n.server.Shutdown(ctx); err != nil {
		n.logger.WithError(err).Error("Ops server shutdown error")
	}
	if n.consumer != nil {
		if err := n.consumer.Stop(); err != nil {
			n.logger.WithError(err).Error("Kafka consumer stop error")
		}
	}
	n.pool.Stop()
	n.wg.Wait()

	if err := n.app.Shutdown(ctx); err != nil {
		n.logger.WithError(err).Error("Pipeline shutdown incomplete")
	}
	n.logger.Info("Notifier stopped")
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.New(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize notification pipeline")
	}

	n, err := newNotifier(a, logger)
	if err != nil {
		_ = a.Shutdown(context.Background())
		logger.WithError(err).Fatal("Failed to create notifier")
	}

	n.start(ctx)
	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	n.stop(shutdownCtx)
}

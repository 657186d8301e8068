// Package app assembles the pipeline and its backends from configuration.
// Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/delivery"
	"notification-pipeline/internal/health"
	"notification-pipeline/internal/kafka"
	"notification-pipeline/internal/pipeline"
	"notification-pipeline/internal/provider"
	"notification-pipeline/internal/redis"
	"notification-pipeline/internal/scheduler"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/config"
	"notification-pipeline/pkg/services"
)

// App holds the assembled components. Redis, Producer, Shared and Journal are
// nil when their backend is disabled.
type App struct {
	Config    *config.Config
	Store     store.Store
	Redis     *redis.Client
	Shared    *redis.RateLimiter
	Producer  *kafka.Producer
	Providers *provider.Manager
	Journal   *delivery.BoltJournal
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler

	logger *logrus.Logger
}

// New connects every configured backend and builds the pipeline. On error,
// whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, gauge health.ConnectionGauge) (*App, error) {
	pcfg, err := pipeline.ConfigFrom(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	a := &App{Config: cfg, logger: logger}
	if err := a.build(ctx, pcfg, gauge); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, pcfg pipeline.Config, gauge health.ConnectionGauge) error {
	cfg, logger := a.Config, a.logger

	var err error
	a.Store, err = store.Open(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	logger.WithField("driver", cfg.Store.Driver).Info("Store opened")

	var opts []pipeline.Option
	if gauge != nil {
		opts = append(opts, pipeline.WithConnectionGauge(gauge))
	}

	if cfg.Redis.Enabled {
		a.Redis, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts,
			pipeline.WithFingerprintCache(redis.NewFingerprintCache(a.Redis)),
			pipeline.WithStatusMirror(a.Redis),
		)
		if cfg.RateLimit.SharedLimit > 0 {
			a.Shared = redis.NewRateLimiter(a.Redis, cfg.RateLimit.SharedLimit, cfg.RateLimit.SharedWindow)
			opts = append(opts, pipeline.WithCeiling(a.Shared))
		}
	}

	a.Providers = provider.NewManager(provider.HealthBased)
	if cfg.Kafka.Enabled {
		a.Producer, err = kafka.NewProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		a.Providers.Add(kafka.NewRealtimePublisher(a.Producer, cfg.Kafka.RealtimeTopic, cfg.Kafka.Brokers))
	} else {
		a.Providers.Add(provider.NewMockProvider("local", 1.0, 0, 0))
	}
	opts = append(opts, pipeline.WithPublisher(a.Providers))

	if cfg.Delivery.JournalPath != "" {
		a.Journal, err = delivery.OpenBoltJournal(cfg.Delivery.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open delivery journal: %w", err)
		}
		opts = append(opts, pipeline.WithJournal(a.Journal))
	}

	a.Pipeline = pipeline.New(pcfg, a.Store, logger, opts...)

	if a.Journal != nil {
		n, err := a.Pipeline.Delivery().Recover(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover delivery journal: %w", err)
		}
		if n > 0 {
			logger.WithField("attempts", n).Warn("Recovered unfinished delivery attempts")
		}
	}

	a.Scheduler = scheduler.New(logger)
	if err := a.Pipeline.Register(a.Scheduler, pipeline.IntervalsFrom(cfg)); err != nil {
		return fmt.Errorf("failed to schedule maintenance jobs: %w", err)
	}
	return nil
}

// ServiceOptions wires the optional backends into the notification service
func (a *App) ServiceOptions() []services.Option {
	var opts []services.Option
	if a.Redis != nil {
		opts = append(opts, services.WithStatusReader(a.Redis))
	}
	if a.Shared != nil {
		opts = append(opts, services.WithSharedUsage(a.Shared))
	}
	return opts
}

// Start runs the scheduler and, when enabled, periodic health checks
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	if a.Config.Health.Enabled {
		a.Pipeline.Health().Start(ctx, a.Config.Health.Interval)
	}
}

// Shutdown stops background work, writes pending batches and closes every
// backend
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Pipeline.Health().Stop()

	if n := a.Pipeline.Flush(ctx); n > 0 {
		a.logger.WithField("batches", n).Info("Flushed pending batches")
	}

	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	closeOne := func(name string, fn func() error) {
		if err := fn(); err != nil {
			a.logger.WithError(err).WithField("component", name).Error("Close failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if a.Journal != nil {
		closeOne("journal", a.Journal.Close)
	}
	if a.Producer != nil {
		closeOne("kafka producer", a.Producer.Close)
	}
	if a.Redis != nil {
		closeOne("redis", a.Redis.Close)
	}
	if a.Store != nil {
		closeOne("store", a.Store.Close)
	}
	return errors.Join(errs...)
}

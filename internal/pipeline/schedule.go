package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/scheduler"
	"notification-pipeline/pkg/config"
)

// Intervals are the periods of the maintenance jobs
type Intervals struct {
	BatchTick       time.Duration
	DeliveryTick    time.Duration
	RateLimitSweep  time.Duration
	DedupSweep      time.Duration
	DeliveryCleanup time.Duration
	AlertCleanup    time.Duration
	AlertMaxAge     time.Duration
}

// IntervalsFrom reads job periods from the application configuration
func IntervalsFrom(c *config.Config) Intervals {
	return Intervals{
		BatchTick:       c.Batch.TickInterval,
		DeliveryTick:    c.Delivery.TickInterval,
		RateLimitSweep:  c.RateLimit.SweepInterval,
		DedupSweep:      c.Dedup.SweepInterval,
		DeliveryCleanup: c.Delivery.CleanupInterval,
		AlertCleanup:    time.Hour,
		AlertMaxAge:     c.Health.AlertMaxAge,
	}
}

// Register adds the pipeline's maintenance jobs to s
func (p *Pipeline) Register(s *scheduler.Scheduler, iv Intervals) error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{"batch_flush", iv.BatchTick, func(ctx context.Context) {
			if n := p.batches.Tick(ctx); n > 0 {
				p.logger.WithField("batches", n).Debug("Flushed idle batches")
			}
		}},
		{"delivery_retry", iv.DeliveryTick, func(ctx context.Context) {
			p.delivery.Tick(ctx)
		}},
		{"rate_limit_sweep", iv.RateLimitSweep, func(ctx context.Context) {
			if n := p.limiter.Sweep(); n > 0 {
				p.logger.WithField("users", n).Debug("Swept rate limit state")
			}
		}},
		{"dedup_sweep", iv.DedupSweep, func(ctx context.Context) {
			n, err := p.dedup.Sweep(ctx)
			if err != nil {
				p.logger.WithError(err).Warn("Fingerprint sweep failed")
				return
			}
			if n > 0 {
				p.logger.WithField("fingerprints", n).Debug("Swept fingerprint cache")
			}
		}},
		{"delivery_cleanup", iv.DeliveryCleanup, func(ctx context.Context) {
			if n := p.delivery.CleanupOldAttempts(); n > 0 {
				p.logger.WithField("attempts", n).Info("Cleaned up old delivery attempts")
			}
		}},
		{"alert_cleanup", iv.AlertCleanup, func(ctx context.Context) {
			if iv.AlertMaxAge <= 0 {
				return
			}
			if n := p.health.ClearOldAlerts(iv.AlertMaxAge); n > 0 {
				p.logger.WithFields(logrus.Fields{"alerts": n}).Info("Cleared old alerts")
			}
		}},
	}

	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		if err := s.Every(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

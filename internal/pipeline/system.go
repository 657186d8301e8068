package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/clock"
	"notification-pipeline/pkg/models"
)

// SystemWriter is the only store method the system channel may use
type SystemWriter interface {
	CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error)
}

// SystemChannel writes privileged notifications straight to storage. It holds
// no reference to the rate limiter, deduplicator or batcher, so nothing sent
// through it can come back into the pipeline.
type SystemChannel struct {
	writer SystemWriter
	clock  clock.Clock
	logger *logrus.Logger
}

// NewSystemChannel creates a privileged channel over writer
func NewSystemChannel(writer SystemWriter, c clock.Clock, logger *logrus.Logger) *SystemChannel {
	return &SystemChannel{writer: writer, clock: clock.OrReal(c), logger: logger}
}

// SendRateLimitWarning tells a user they are close to a limit
func (s *SystemChannel) SendRateLimitWarning(ctx context.Context, userID, rule string, current, limit int) error {
	expires := s.clock.Now().Add(24 * time.Hour)
	n, err := s.writer.CreateNotification(ctx, models.CreateParams{
		UserID:     userID,
		Type:       models.TypeRateLimitWarning,
		Title:      "Notification Rate Limit Warning",
		Message:    fmt.Sprintf("You're approaching the rate limit for %s. Current: %d/%d", rule, current, limit),
		Icon:       "⚠️",
		Priority:   models.PriorityMedium,
		Category:   models.CategorySystem,
		EntityType: models.EntitySystem,
		EntityURL:  "/notifications",
		ExpiresAt:  &expires,
		Data: map[string]interface{}{
			"rule":    rule,
			"current": current,
			"limit":   limit,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write rate limit warning: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":         userID,
		"rule":            rule,
		"notification_id": n.ID,
	}).Info("Rate limit warning sent")
	return nil
}

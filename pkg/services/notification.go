// Package services provides the business operations behind the HTTP API
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/pipeline"
	"notification-pipeline/internal/ratelimit"
	"notification-pipeline/internal/redis"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/models"
)

// ErrNotificationNotFound is returned when no notification or status exists
var ErrNotificationNotFound = errors.New("notification not found")

// Queue hands requests to another process instead of creating them inline
type Queue interface {
	Enqueue(ctx context.Context, req *models.NotificationRequest) error
}

// StatusReader reads the mirrored delivery status of a notification
type StatusReader interface {
	GetNotificationStatus(ctx context.Context, id string) (models.DeliveryStatus, error)
}

// SharedUsage reports a user's position against the cross-instance ceiling
type SharedUsage interface {
	Usage(ctx context.Context, userID string) (redis.Usage, error)
	Reset(ctx context.Context, userID string) error
}

// SendResult describes what happened to an accepted request
type SendResult struct {
	NotificationID string `json:"notification_id,omitempty"`
	Batched        bool   `json:"batched,omitempty"`
	Queued         bool   `json:"queued,omitempty"`
}

// RateLimitStatus combines the local limiter and the shared ceiling
type RateLimitStatus struct {
	Local  ratelimit.UserStatus `json:"local"`
	Shared *redis.Usage         `json:"shared,omitempty"`
}

// Option configures a NotificationService
type Option func(*NotificationService)

// WithQueue makes SendNotification enqueue instead of creating inline
func WithQueue(q Queue) Option {
	return func(s *NotificationService) { s.queue = q }
}

// WithStatusReader adds a fast path for status lookups
func WithStatusReader(r StatusReader) Option {
	return func(s *NotificationService) { s.statuses = r }
}

// WithSharedUsage exposes the shared ceiling in rate limit status
func WithSharedUsage(u SharedUsage) Option {
	return func(s *NotificationService) { s.shared = u }
}

// NotificationService handles notification business logic
type NotificationService struct {
	pipeline *pipeline.Pipeline
	queue    Queue
	statuses StatusReader
	shared   SharedUsage
	logger   *logrus.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(p *pipeline.Pipeline, logger *logrus.Logger, opts ...Option) *NotificationService {
	s := &NotificationService{pipeline: p, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendNotification runs req through the pipeline, or queues it when a queue
// is configured
func (s *NotificationService) SendNotification(ctx context.Context, req *models.NotificationRequest) (SendResult, error) {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, req); err != nil {
			s.logger.WithError(err).WithField("user_id", req.UserID).Error("Failed to queue notification request")
			return SendResult{}, fmt.Errorf("failed to queue notification: %w", err)
		}
		s.logger.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"type":    req.Type,
		}).Info("Notification request queued")
		return SendResult{Queued: true}, nil
	}

	res, err := s.pipeline.Create(ctx, *req)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{NotificationID: res.NotificationID, Batched: res.Batched}, nil
}

// SendBulk creates the same notification for every user
func (s *NotificationService) SendBulk(ctx context.Context, userIDs []string, req *models.NotificationRequest) (int, error) {
	return s.pipeline.CreateBulk(ctx, userIDs, *req)
}

// GetNotificationStatus returns the delivery status of a notification,
// reading the mirror first and falling back to stored metadata
func (s *NotificationService) GetNotificationStatus(ctx context.Context, id string) (models.DeliveryStatus, error) {
	if s.statuses != nil {
		status, err := s.statuses.GetNotificationStatus(ctx, id)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, redis.ErrNotFound) {
			s.logger.WithError(err).WithField("notification_id", id).Warn("Status mirror lookup failed")
		}
	}

	n, err := s.pipeline.Store().GetNotificationByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to get notification: %w", err)
	}
	if n == nil {
		return "", ErrNotificationNotFound
	}
	if status, ok := n.Metadata["deliveryStatus"].(string); ok && status != "" {
		return models.DeliveryStatus(status), nil
	}
	return models.DeliveryPending, nil
}

// GetUserNotifications lists a user's notifications, newest first
func (s *NotificationService) GetUserNotifications(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error) {
	list, err := s.pipeline.Store().GetUserNotifications(ctx, userID, store.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	if list == nil {
		list = []models.Notification{}
	}
	return list, nil
}

// RateLimitStatus reports a user's standing
func (s *NotificationService) RateLimitStatus(ctx context.Context, userID string) (RateLimitStatus, error) {
	status := RateLimitStatus{Local: s.pipeline.Limiter().UserStatus(userID)}
	if s.shared != nil {
		u, err := s.shared.Usage(ctx, userID)
		if err != nil {
			return status, fmt.Errorf("failed to read shared rate limit: %w", err)
		}
		status.Shared = &u
	}
	return status, nil
}

// ResetRateLimit clears a user's local history and shared counter
func (s *NotificationService) ResetRateLimit(ctx context.Context, userID string) error {
	s.pipeline.Limiter().ResetUser(userID)
	if s.shared != nil {
		if err := s.shared.Reset(ctx, userID); err != nil {
			return fmt.Errorf("failed to reset shared rate limit: %w", err)
		}
	}
	s.logger.WithField("user_id", userID).Info("Rate limit reset")
	return nil
}

// Pipeline returns the underlying pipeline
func (s *NotificationService) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

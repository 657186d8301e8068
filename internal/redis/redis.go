// Package redis provides the optional shared state of the pipeline: delivery
// status tracking, the fingerprint cache and a cross-instance rate ceiling.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"notification-pipeline/pkg/models"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("redis key not found")

const statusTTL = 24 * time.Hour

// Client wraps a Redis client
type Client struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewClient connects to Redis and verifies the connection
func NewClient(host, port, password string, db int, logger *logrus.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: rdb,
		logger: logger,
	}, nil
}

func statusKey(notificationID string) string {
	return fmt.Sprintf("notification_status:%s", notificationID)
}

// SetNotificationStatus records the delivery status of a notification
func (c *Client) SetNotificationStatus(ctx context.Context, notificationID string, status models.DeliveryStatus) error {
	if err := c.client.Set(ctx, statusKey(notificationID), string(status), statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to set notification status: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"notification_id": notificationID,
		"status":          status,
	}).Debug("Notification status stored")
	return nil
}

// GetNotificationStatus returns the last recorded delivery status
func (c *Client) GetNotificationStatus(ctx context.Context, notificationID string) (models.DeliveryStatus, error) {
	status, err := c.client.Get(ctx, statusKey(notificationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get notification status: %w", err)
	}
	return models.DeliveryStatus(status), nil
}

// Ping tests the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

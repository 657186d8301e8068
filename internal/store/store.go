// Package store persists notifications. The pipeline only depends on the
// Store interface; memory, Postgres and SQLite backends implement it.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"notification-pipeline/pkg/config"
	"notification-pipeline/pkg/models"
)

// ErrNotFound is returned when updating a notification that does not exist
var ErrNotFound = errors.New("notification not found")

// ListOptions pages through a user's notifications
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the notification persistence contract
type Store interface {
	CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error)
	// UpdateNotification merges metadata into the stored notification
	UpdateNotification(ctx context.Context, id string, metadata models.Metadata) error
	// GetNotificationByID returns nil, nil when the notification does not exist
	GetNotificationByID(ctx context.Context, id string) (*models.Notification, error)
	// GetUserNotifications returns the newest notifications first
	GetUserNotifications(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error)
	CreateBulkNotifications(ctx context.Context, userIDs []string, params models.CreateParams) (int, error)
	Close() error
}

// Open creates the store selected by configuration
func Open(cfg config.StoreConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(nil), nil
	case "postgres":
		s, err := OpenPostgres(cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}

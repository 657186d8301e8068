package store

import (
	"context"
	"sort"
	"sync"

	"notification-pipeline/internal/clock"
	"notification-pipeline/pkg/models"
)

// MemoryStore keeps notifications in process memory
type MemoryStore struct {
	mu            sync.RWMutex
	clock         clock.Clock
	notifications map[string]*models.Notification
	byUser        map[string][]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:         clock.OrReal(c),
		notifications: make(map[string]*models.Notification),
		byUser:        make(map[string][]string),
	}
}

// CreateNotification stores a new notification
func (s *MemoryStore) CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := models.NewNotification(params, s.clock.Now())

	s.mu.Lock()
	s.notifications[n.ID] = n
	s.byUser[n.UserID] = append(s.byUser[n.UserID], n.ID)
	s.mu.Unlock()

	return copyNotification(n), nil
}

// UpdateNotification merges metadata into an existing notification
func (s *MemoryStore) UpdateNotification(ctx context.Context, id string, metadata models.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Metadata = n.Metadata.Merge(metadata)
	n.UpdatedAt = s.clock.Now()
	return nil
}

// GetNotificationByID returns a copy of the notification, or nil
func (s *MemoryStore) GetNotificationByID(ctx context.Context, id string) (*models.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, nil
	}
	return copyNotification(n), nil
}

// GetUserNotifications lists a user's notifications newest first
func (s *MemoryStore) GetUserNotifications(ctx context.Context, userID string, opts ListOptions) ([]models.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := s.byUser[userID]
	list := make([]models.Notification, 0, len(ids))
	for _, id := range ids {
		list = append(list, *copyNotification(s.notifications[id]))
	}
	s.mu.RUnlock()

	// ids are in insertion order; reverse before a stable sort keeps ties newest first
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if opts.Offset >= len(list) {
		return []models.Notification{}, nil
	}
	list = list[opts.Offset:]
	if limit := normalizeLimit(opts.Limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// CreateBulkNotifications creates the same notification for every user
func (s *MemoryStore) CreateBulkNotifications(ctx context.Context, userIDs []string, params models.CreateParams) (int, error) {
	created := 0
	for _, userID := range userIDs {
		p := params
		p.UserID = userID
		if _, err := s.CreateNotification(ctx, p); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Count returns the number of stored notifications
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notifications)
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func copyNotification(n *models.Notification) *models.Notification {
	out := *n
	out.Metadata = n.Metadata.Merge(nil)
	if n.Data != nil {
		out.Data = make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	return &out
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/clock"
	"notification-pipeline/internal/logging"
	"notification-pipeline/internal/pipeline"
	"notification-pipeline/internal/redis"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/models"
)

type recordingQueue struct {
	queued []*models.NotificationRequest
	err    error
}

func (q *recordingQueue) Enqueue(ctx context.Context, req *models.NotificationRequest) error {
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, req)
	return nil
}

type mapStatuses map[string]models.DeliveryStatus

func (m mapStatuses) GetNotificationStatus(ctx context.Context, id string) (models.DeliveryStatus, error) {
	if s, ok := m[id]; ok {
		return s, nil
	}
	return "", redis.ErrNotFound
}

type fakeShared struct {
	usage  redis.Usage
	resets []string
}

func (f *fakeShared) Usage(ctx context.Context, userID string) (redis.Usage, error) {
	return f.usage, nil
}

func (f *fakeShared) Reset(ctx context.Context, userID string) error {
	f.resets = append(f.resets, userID)
	return nil
}

func newService(t *testing.T, opts ...Option) *NotificationService {
	t.Helper()
	c := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	p := pipeline.New(pipeline.DefaultConfig(), store.NewMemoryStore(c), logging.Discard(), pipeline.WithClock(c))
	return NewNotificationService(p, logging.Discard(), opts...)
}

func welcome(userID string) *models.NotificationRequest {
	req := pipeline.Welcome(userID, "ann", "Orbit", true, time.Now())
	return &req
}

func TestSendNotificationInline(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	res, err := s.SendNotification(ctx, welcome("u1"))
	require.NoError(t, err)
	require.NotEmpty(t, res.NotificationID)
	assert.False(t, res.Queued)

	status, err := s.GetNotificationStatus(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, status)

	list, err := s.GetUserNotifications(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.NotificationID, list[0].ID)

	_, err = s.SendNotification(ctx, welcome("u1"))
	var dup *pipeline.DuplicateError
	assert.True(t, errors.As(err, &dup))
}

func TestSendNotificationQueued(t *testing.T) {
	q := &recordingQueue{}
	s := newService(t, WithQueue(q))

	req := welcome("u1")
	req.Timestamp = time.Time{}
	res, err := s.SendNotification(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.Len(t, q.queued, 1)
	assert.False(t, q.queued[0].Timestamp.IsZero())

	list, err := s.GetUserNotifications(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	q.err = errors.New("broker down")
	_, err = s.SendNotification(context.Background(), welcome("u2"))
	assert.ErrorContains(t, err, "failed to queue notification")
}

func TestGetNotificationStatus(t *testing.T) {
	ctx := context.Background()
	mirror := mapStatuses{"mirrored": models.DeliveryFailed}
	s := newService(t, WithStatusReader(mirror))

	status, err := s.GetNotificationStatus(ctx, "mirrored")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, status)

	_, err = s.GetNotificationStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	res, err := s.SendNotification(ctx, welcome("u1"))
	require.NoError(t, err)
	status, err = s.GetNotificationStatus(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, status)
}

func TestSendBulk(t *testing.T) {
	s := newService(t)
	req := pipeline.SystemAnnouncement("", "Maintenance", "Down at noon", "/status", time.Now())

	n, err := s.SendBulk(context.Background(), []string{"a", "b", "c"}, &req)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := s.GetUserNotifications(context.Background(), "b", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Maintenance", list[0].Title)
}

func TestRateLimitStatusAndReset(t *testing.T) {
	ctx := context.Background()
	shared := &fakeShared{usage: redis.Usage{Count: 4, Limit: 50, Remaining: 46}}
	s := newService(t, WithSharedUsage(shared))

	_, err := s.SendNotification(ctx, welcome("u1"))
	require.NoError(t, err)

	status, err := s.RateLimitStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Local.RecentNotificationCount)
	require.NotNil(t, status.Shared)
	assert.Equal(t, 46, status.Shared.Remaining)

	require.NoError(t, s.ResetRateLimit(ctx, "u1"))
	assert.Equal(t, []string{"u1"}, shared.resets)

	status, err = s.RateLimitStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Local.RecentNotificationCount)
}

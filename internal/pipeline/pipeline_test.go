package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/clock"
	"notification-pipeline/internal/dedup"
	"notification-pipeline/internal/health"
	"notification-pipeline/internal/logging"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/models"
)

type flakyStore struct {
	*store.MemoryStore
	failCreates int32
}

func (f *flakyStore) CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error) {
	if atomic.LoadInt32(&f.failCreates) == 1 {
		return nil, errors.New("database is locked")
	}
	return f.MemoryStore.CreateNotification(ctx, params)
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (r *recordingPublisher) Publish(ctx context.Context, n *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingPublisher) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Title)
	}
	return out
}

type failingCeiling struct{}

func (failingCeiling) IsAllowed(ctx context.Context, userID string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (failingCeiling) Consume(ctx context.Context, userID string) error {
	return errors.New("redis: connection refused")
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, fp string) (dedup.Entry, bool, error) {
	return dedup.Entry{}, false, errors.New("cache offline")
}
func (brokenCache) Put(ctx context.Context, fp string, e dedup.Entry, ttl time.Duration) error {
	return errors.New("cache offline")
}
func (brokenCache) Sweep(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }
func (brokenCache) Len(ctx context.Context) (int, error)                     { return 0, nil }
func (brokenCache) Clear(ctx context.Context) error                          { return nil }

type fixture struct {
	p     *Pipeline
	store *flakyStore
	clock *clock.Manual
	pub   *recordingPublisher
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	c := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := &flakyStore{MemoryStore: store.NewMemoryStore(c)}
	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(c), WithPublisher(pub)}, opts...)
	return &fixture{
		p:     New(cfg, st, logging.Discard(), opts...),
		store: st,
		clock: c,
		pub:   pub,
	}
}

func (f *fixture) notifications(t *testing.T, userID string) []models.Notification {
	t.Helper()
	list, err := f.store.GetUserNotifications(context.Background(), userID, store.ListOptions{Limit: 100})
	require.NoError(t, err)
	return list
}

func follow(actor string) models.NotificationRequest {
	return models.NotificationRequest{
		UserID:     "u1",
		Type:       models.TypeFollow,
		EntityType: models.EntityUser,
		EntityID:   actor,
		ActorID:    actor,
		ActorName:  actor,
		Title:      "New follower",
		Message:    actor + " started following you",
	}
}

func TestCreateImmediate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	res, err := f.p.Create(ctx, follow("ann"))
	require.NoError(t, err)
	assert.False(t, res.Batched)
	require.NotEmpty(t, res.NotificationID)
	assert.NotEmpty(t, res.AttemptID)

	stored, err := f.store.GetNotificationByID(ctx, res.NotificationID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "New follower", stored.Title)
	assert.Equal(t, "delivered", stored.Metadata["deliveryStatus"])

	realtime, ok := stored.Metadata[RealtimeChannel].(map[string]interface{})
	require.True(t, ok, "realtime publish is tracked under its own key")
	assert.Equal(t, "delivered", realtime["deliveryStatus"])
	assert.Equal(t, []string{"New follower"}, f.pub.titles())

	_, err = f.p.Create(ctx, follow("ann"))
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, res.NotificationID, dup.ExistingID)
	assert.True(t, IsRejection(err))

	assert.Equal(t, 1, f.p.Limiter().Stats().TotalNotificationsTracked)
}

func TestCreateFillsMissingTitle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	req := DiscussionMention("u1", "a1", "ann", "Mercury retrograde survival guide for the busy", "d1", f.clock.Now())
	req.Title = ""
	req.Message = ""
	res, err := f.p.Create(ctx, req)
	require.NoError(t, err)

	stored, err := f.store.GetNotificationByID(ctx, res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, "You were mentioned", stored.Title)
	assert.Equal(t, `ann mentioned you in "Mercury retrograde survival guide for the busy"`, stored.Message)
	assert.Equal(t, models.PriorityHigh, stored.Priority)
}

func TestLikesAreBatchedIntoOneDigest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	for _, actor := range []string{"a", "b", "a"} {
		res, err := f.p.Create(ctx, DiscussionLike("u1", actor, actor, "Saturn return questions", "d1", f.clock.Now()))
		require.NoError(t, err)
		assert.True(t, res.Batched)
		assert.Empty(t, res.NotificationID)
	}
	assert.Empty(t, f.notifications(t, "u1"))

	f.clock.Advance(5 * time.Minute)
	require.Equal(t, 1, f.p.Batches().Tick(ctx))

	list := f.notifications(t, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, "a and b liked your discussion", list[0].Title)
	assert.Equal(t, []string{"a and b liked your discussion"}, f.pub.titles())

	_, err := f.p.Create(ctx, DiscussionLike("u1", "c", "c", "Saturn return questions", "d1", f.clock.Now()))
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup), "the digest is registered for deduplication")
	assert.Equal(t, list[0].ID, dup.ExistingID)
}

func TestRateLimitedRequestsSendOneWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	for i := 0; i < 10; i++ {
		_, err := f.p.Create(ctx, models.NotificationRequest{
			UserID:  "u1",
			Type:    models.TypeAdminMessage,
			Title:   fmt.Sprintf("Message %d", i),
			Message: "hello",
		})
		require.NoError(t, err)
	}

	_, err := f.p.Create(ctx, models.NotificationRequest{UserID: "u1", Type: models.TypeAdminMessage, Title: "One too many"})
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "user_total", rl.Rule)
	assert.Equal(t, 30*time.Minute, rl.RetryAfter)

	list := f.notifications(t, "u1")
	require.Len(t, list, 11)
	warning := list[0]
	assert.Equal(t, models.TypeRateLimitWarning, warning.Type)
	assert.Equal(t, "Notification Rate Limit Warning", warning.Title)
	assert.Equal(t, "You're approaching the rate limit for user_total. Current: 10/10", warning.Message)
	assert.Equal(t, models.CategorySystem, warning.Category)
	require.NotNil(t, warning.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), *warning.ExpiresAt)

	assert.Equal(t, 10, f.p.Limiter().Stats().TotalNotificationsTracked, "warnings bypass the limiter")

	report := f.p.Health().PerformHealthCheck(ctx)
	for _, m := range report.Metrics {
		switch m.Name {
		case health.MetricErrorRate:
			assert.Equal(t, float64(0), m.Value, "rejections are not errors")
		case health.MetricRateLimitViolation:
			assert.Equal(t, float64(1), m.Value)
		}
	}
}

func TestConcurrentCreatesRespectLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	var created, limited, duplicates int32
	var wg sync.WaitGroup
	run := func(req models.NotificationRequest) {
		defer wg.Done()
		_, err := f.p.Create(ctx, req)
		var rl *RateLimitedError
		var dup *DuplicateError
		switch {
		case err == nil:
			atomic.AddInt32(&created, 1)
		case errors.As(err, &rl):
			atomic.AddInt32(&limited, 1)
		case errors.As(err, &dup):
			atomic.AddInt32(&duplicates, 1)
		}
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go run(models.NotificationRequest{UserID: "u1", Type: models.TypeAdminMessage, Title: fmt.Sprintf("Message %d", i)})
	}
	wg.Wait()
	assert.Equal(t, int32(10), created)
	assert.Equal(t, int32(10), limited)

	created, limited = 0, 0
	req := follow("ann")
	req.UserID = "u2"
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go run(req)
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
	assert.Equal(t, int32(7), duplicates)
	assert.Equal(t, int32(0), limited)
}

func TestInternalErrorPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		opt    Option
	}{
		{"rate limiter open", FailOpen, WithCeiling(failingCeiling{})},
		{"rate limiter closed", FailClosed, WithCeiling(failingCeiling{})},
		{"deduplicator open", FailOpen, WithFingerprintCache(brokenCache{})},
		{"deduplicator closed", FailClosed, WithFingerprintCache(brokenCache{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Policy = tt.policy
			f := newFixture(t, cfg, tt.opt)

			res, err := f.p.Create(context.Background(), follow("ann"))
			if tt.policy == FailOpen {
				require.NoError(t, err)
				assert.NotEmpty(t, res.NotificationID)
				assert.Len(t, f.notifications(t, "u1"), 1)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInternal))
			assert.False(t, IsRejection(err))
			assert.Empty(t, f.notifications(t, "u1"))
		})
	}
}

func TestFailedWriteIsFinishedByRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	atomic.StoreInt32(&f.store.failCreates, 1)
	res, err := f.p.Create(ctx, follow("ann"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.Empty(t, res.NotificationID)
	assert.NotEmpty(t, res.AttemptID)
	assert.Equal(t, 1, f.p.Delivery().Stats().PendingRetries)

	atomic.StoreInt32(&f.store.failCreates, 0)
	f.clock.Advance(time.Second)
	require.Equal(t, 1, f.p.Delivery().Tick(ctx))

	list := f.notifications(t, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, []string{"New follower"}, f.pub.titles())

	_, err = f.p.Create(ctx, follow("ann"))
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup), "a retried write is registered too")
	assert.Equal(t, list[0].ID, dup.ExistingID)
}

func TestWriteExpiresWithoutRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delivery.EnableRetries = false
	f := newFixture(t, cfg)

	atomic.StoreInt32(&f.store.failCreates, 1)
	_, err := f.p.Create(context.Background(), follow("ann"))
	assert.True(t, errors.Is(err, ErrDeliveryExpired))
	assert.Contains(t, err.Error(), "database is locked")
}

func TestInvalidRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.p.Create(context.Background(), models.NotificationRequest{Type: models.TypeFollow})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestCreateBulk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BulkChunkSize = 100
	cfg.BulkRatePerSec = 1000
	f := newFixture(t, cfg)

	users := make([]string, 250)
	for i := range users {
		users[i] = fmt.Sprintf("user-%d", i)
	}

	n, err := f.p.CreateBulk(context.Background(), users, SystemAnnouncement("", "Maintenance", "Back soon", "", f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Equal(t, 250, f.store.Count())

	list := f.notifications(t, "user-249")
	require.Len(t, list, 1)
	assert.Equal(t, models.TypeSystemAnnouncement, list[0].Type)
	assert.Equal(t, "📢", list[0].Icon)
}

func TestCreateBulkStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BulkChunkSize = 1
	cfg.BulkRatePerSec = 1
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := f.p.CreateBulk(ctx, []string{"a", "b", "c"}, SystemAnnouncement("", "Hi", "There", "", f.clock.Now()))
	require.Error(t, err)
	assert.Less(t, n, 3)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)

	p, err = ParsePolicy("fail-closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	_, err = ParsePolicy("fail-sometimes")
	assert.Error(t, err)
}

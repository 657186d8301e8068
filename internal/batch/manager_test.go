package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/clock"
	"notification-pipeline/internal/logging"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/models"
)

// flakyCreator rejects digests (titles mentioning "liked") when failDigests is set
type flakyCreator struct {
	store       *store.MemoryStore
	failDigests bool
}

func (f *flakyCreator) CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error) {
	if f.failDigests && strings.Contains(params.Title, "liked") {
		return nil, errors.New("insert failed")
	}
	return f.store.CreateNotification(ctx, params)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *flakyCreator, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	creator := &flakyCreator{store: store.NewMemoryStore(c)}
	opts = append([]Option{WithClock(c)}, opts...)
	return New(DefaultConfig(), creator, logging.Discard(), opts...), creator, c
}

func like(actor string) Event {
	return Event{
		UserID:       "u1",
		Type:         models.TypeDiscussionLike,
		EntityType:   models.EntityDiscussion,
		EntityID:     "d1",
		ActorName:    actor,
		ContextTitle: "Saturn return questions",
	}
}

func userNotifications(t *testing.T, creator *flakyCreator) []models.Notification {
	t.Helper()
	list, err := creator.store.GetUserNotifications(context.Background(), "u1", store.ListOptions{Limit: 50})
	require.NoError(t, err)
	return list
}

func TestLikesCollapseIntoOneDigest(t *testing.T) {
	ctx := context.Background()
	m, creator, c := newTestManager(t)

	require.NoError(t, m.Add(ctx, like("a")))
	c.Advance(time.Minute)
	require.NoError(t, m.Add(ctx, like("b")))
	c.Advance(time.Minute)
	require.NoError(t, m.Add(ctx, like("a")))

	stats := m.Stats()
	assert.Equal(t, 1, stats.PendingBatches)
	assert.Equal(t, 2, stats.TotalPendingNotifications)
	assert.Equal(t, []string{"u1_discussion_like_discussion_d1"}, stats.ActiveBatchKeys)

	c.Advance(4 * time.Minute)
	assert.Equal(t, 0, m.Tick(ctx), "the deadline slides with every event")

	c.Advance(time.Minute)
	assert.Equal(t, 1, m.Tick(ctx))

	list := userNotifications(t, creator)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, "a and b liked your discussion", n.Title)
	assert.Equal(t, `"Saturn return questions"`, n.Message)
	assert.Equal(t, models.PriorityLow, n.Priority)
	assert.Equal(t, models.CategorySocial, n.Category)
	assert.Equal(t, "/discussions/d1", n.EntityURL)
	assert.Equal(t, []string{"a", "b"}, n.Data["actors"])
	assert.Equal(t, 2, n.Data["count"])

	assert.Equal(t, 0, m.Stats().PendingBatches)
}

func TestThirdActorUsesOthersPhrasing(t *testing.T) {
	ctx := context.Background()
	m, creator, _ := newTestManager(t)

	for _, actor := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Add(ctx, like(actor)))
	}
	assert.Equal(t, 1, m.FlushAll(ctx))

	list := userNotifications(t, creator)
	require.Len(t, list, 1)
	assert.Equal(t, "a, b and 2 others liked your discussion", list[0].Title)
}

func TestFullBatchFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	var hooked []int
	m, creator, _ := newTestManager(t, WithFlushHook(func(ctx context.Context, n *models.Notification, size int) {
		hooked = append(hooked, size)
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Add(ctx, like(fmt.Sprintf("actor%d", i))))
	}

	assert.Equal(t, 0, m.Stats().PendingBatches)
	list := userNotifications(t, creator)
	require.Len(t, list, 1)
	assert.Equal(t, "actor0, actor1 and 8 others liked your discussion", list[0].Title)
	assert.Equal(t, models.PriorityHigh, list[0].Priority)
	assert.Equal(t, []int{10}, hooked)
	assert.Equal(t, int64(1), m.Stats().Flushed)
}

func TestFailedDigestFallsBackToIndividualNotifications(t *testing.T) {
	ctx := context.Background()
	m, creator, _ := newTestManager(t)
	creator.failDigests = true

	alice := like("alice")
	alice.ActorID = "id-alice"
	bob := like("bob")
	bob.ActorID = "id-bob"
	require.NoError(t, m.Add(ctx, alice))
	require.NoError(t, m.Add(ctx, bob))
	m.FlushAll(ctx)

	list := userNotifications(t, creator)
	require.Len(t, list, 2)
	actors := make(map[string]string, len(list))
	for _, n := range list {
		assert.Equal(t, "New notification", n.Title)
		actors[n.Message] = n.ActorID
	}
	assert.Equal(t, map[string]string{
		"alice: Saturn return questions": "id-alice",
		"bob: Saturn return questions":   "id-bob",
	}, actors)
	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Fallbacks)
	assert.Equal(t, int64(2), stats.Immediate)
}

func TestNonBatchableTypeIsCreatedImmediately(t *testing.T) {
	ctx := context.Background()
	m, creator, _ := newTestManager(t)

	assert.False(t, m.IsBatchable(models.TypeDiscussionMention))
	require.NoError(t, m.Add(ctx, Event{
		UserID:       "u1",
		Type:         models.TypeDiscussionMention,
		EntityType:   models.EntityDiscussion,
		EntityID:     "d9",
		ActorName:    "carol",
		ContextTitle: "A very long discussion title that keeps going well past fifty characters",
	}))

	list := userNotifications(t, creator)
	require.Len(t, list, 1)
	assert.Equal(t, "You were mentioned", list[0].Title)
	assert.Equal(t, `carol mentioned you in "A very long discussion title that keeps going well..."`, list[0].Message)
	assert.Equal(t, models.PriorityHigh, list[0].Priority)
	assert.Equal(t, 0, m.Stats().PendingBatches)
}

func TestDigestContent(t *testing.T) {
	tests := []struct {
		name      string
		typ       models.NotificationType
		actors    []string
		count     int
		wantTitle string
		wantMsg   string
	}{
		{"single chart like", models.TypeChartLike, []string{"a"}, 1, "a liked your chart", `"My chart"`},
		{"replies from one", models.TypeDiscussionReply, []string{"a"}, 3, "3 new replies from a", `in "My chart"`},
		{"replies from many", models.TypeDiscussionReply, []string{"a", "b"}, 2, "2 new replies", `from 2 people in "My chart"`},
		{"other type", models.TypeFollow, []string{"a", "b"}, 2, "2 new activities", "from 2 people"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := digestContent(tt.typ, tt.actors, tt.count, "My chart")
			assert.Equal(t, tt.wantTitle, c.Title)
			assert.Equal(t, tt.wantMsg, c.Message)
		})
	}
}

func TestTruncateAndPriority(t *testing.T) {
	long := strings.Repeat("x", 45)
	assert.Equal(t, strings.Repeat("x", 40)+"...", truncate(long, 40))
	assert.Equal(t, "short", truncate("short", 40))

	assert.Equal(t, models.PriorityLow, digestPriority(4))
	assert.Equal(t, models.PriorityMedium, digestPriority(5))
	assert.Equal(t, models.PriorityHigh, digestPriority(10))
}

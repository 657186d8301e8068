package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/clock"
	"notification-pipeline/internal/logging"
	"notification-pipeline/pkg/models"
)

type recordingWarner struct {
	mu       sync.Mutex
	warnings []string
}

func (w *recordingWarner) SendRateLimitWarning(ctx context.Context, userID, rule string, current, limit int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warnings = append(w.warnings, userID+":"+rule)
	return nil
}

func (w *recordingWarner) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.warnings)
}

type stubCeiling struct {
	allowed    bool
	err        error
	consumeErr error
	calls      int
	consumed   int
}

func (c *stubCeiling) IsAllowed(ctx context.Context, userID string) (bool, error) {
	c.calls++
	return c.allowed, c.err
}

func (c *stubCeiling) Consume(ctx context.Context, userID string) error {
	c.consumed++
	return c.consumeErr
}

func newTestLimiter(t *testing.T, rules map[string]Rule, opts ...Option) (*Limiter, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	if rules != nil {
		cfg.Rules = rules
	}
	opts = append([]Option{WithClock(c)}, opts...)
	return New(cfg, logging.Discard(), opts...), c
}

func TestRateLimitMonotonicity(t *testing.T) {
	ctx := context.Background()
	rules := map[string]Rule{
		GlobalRule: {MaxNotifications: 4, Window: time.Hour},
	}
	limiter, c := newTestLimiter(t, rules)

	for i := 0; i < 4; i++ {
		d, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
		require.NoError(t, err)
		require.True(t, d.Allowed, "check %d should be allowed", i)
		limiter.Record(ctx, "u1", models.TypeFollow, "")
		c.Advance(time.Second)
	}

	d, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, GlobalRule, d.Rule)
	assert.Equal(t, 4, d.CurrentCount)
	assert.Equal(t, 4, d.Limit)
	assert.Equal(t, "Rate limit exceeded for user_total: 4/4 in 60 minutes", d.Reason)
}

func TestBurstWindowCheckedFirst(t *testing.T) {
	ctx := context.Background()
	limiter, c := newTestLimiter(t, nil)

	for i := 0; i < 10; i++ {
		limiter.Record(ctx, "u1", models.TypeCommentReply, "")
		c.Advance(10 * time.Second)
	}

	d, err := limiter.Check(ctx, "u1", models.TypeWelcome, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Rate limit exceeded for user_total: 10/10 in 5 minutes", d.Reason)

	// once the burst window has passed the main window still has room
	c.Advance(6 * time.Minute)
	d, err = limiter.Check(ctx, "u1", models.TypeWelcome, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTypeRuleCountsOnlyThatType(t *testing.T) {
	ctx := context.Background()
	limiter, c := newTestLimiter(t, nil)

	// follow allows a burst of 3
	for i := 0; i < 3; i++ {
		limiter.Record(ctx, "u1", models.TypeFollow, "")
		c.Advance(time.Second)
	}

	d, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, string(models.TypeFollow), d.Rule)

	d, err = limiter.Check(ctx, "u1", models.TypeDiscussionLike, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other types are unaffected by the follow rule")
}

func TestActorAbuse(t *testing.T) {
	ctx := context.Background()
	limiter, c := newTestLimiter(t, map[string]Rule{})

	for i := 0; i < 5; i++ {
		limiter.Record(ctx, "u1", models.TypeCommentLike, "spammer")
		c.Advance(time.Minute)
	}

	d, err := limiter.Check(ctx, "u1", models.TypeCommentLike, "spammer")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Too many notifications from the same user (spammer)", d.Reason)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)

	d, err = limiter.Check(ctx, "u1", models.TypeCommentLike, "someone-else")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	c.Advance(10 * time.Minute)
	d, err = limiter.Check(ctx, "u1", models.TypeCommentLike, "spammer")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "actor window slides")
}

func TestCooldownAfterTwoConsecutiveViolations(t *testing.T) {
	ctx := context.Background()
	rules := map[string]Rule{
		GlobalRule: {MaxNotifications: 1, Window: time.Hour},
	}
	limiter, c := newTestLimiter(t, rules)

	limiter.Record(ctx, "u1", models.TypeFollow, "")

	first, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.False(t, first.Allowed)
	assert.False(t, limiter.UserStatus("u1").IsOnCooldown)

	second, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, 30*time.Minute, second.RetryAfter)
	assert.True(t, limiter.UserStatus("u1").IsOnCooldown)

	c.Advance(10*time.Minute + 500*time.Millisecond)
	during, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.False(t, during.Allowed)
	assert.Equal(t, "User is on cooldown due to rate limit exceeded", during.Reason)
	assert.Equal(t, 20*time.Minute, during.RetryAfter, "remaining seconds are rounded up")

	c.Advance(21 * time.Minute)
	c.Advance(time.Hour)
	after, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.True(t, after.Allowed)
	assert.Equal(t, 0, limiter.UserStatus("u1").WarningsSent)
}

func TestRuleCooldownOverridesDefault(t *testing.T) {
	ctx := context.Background()
	rules := map[string]Rule{
		GlobalRule: {MaxNotifications: 1, Window: time.Hour, Cooldown: 45 * time.Minute},
	}
	limiter, _ := newTestLimiter(t, rules)
	limiter.Record(ctx, "u1", models.TypeFollow, "")

	_, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	d, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, d.RetryAfter)

	status := limiter.UserStatus("u1")
	require.NotNil(t, status.CooldownUntil)
}

func TestWarningsAreCapped(t *testing.T) {
	ctx := context.Background()
	warner := &recordingWarner{}
	rules := map[string]Rule{
		string(models.TypeFollow):         {MaxNotifications: 1, Window: time.Hour},
		string(models.TypeDiscussionLike): {MaxNotifications: 1, Window: time.Hour},
	}
	limiter, _ := newTestLimiter(t, rules, WithWarner(warner))
	limiter.Record(ctx, "u1", models.TypeFollow, "")
	limiter.Record(ctx, "u1", models.TypeDiscussionLike, "")

	// alternating rules never count as consecutive, so no cooldown kicks in
	for i := 0; i < 6; i++ {
		notificationType := models.TypeFollow
		if i%2 == 1 {
			notificationType = models.TypeDiscussionLike
		}
		d, err := limiter.Check(ctx, "u1", notificationType, "")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.NotEqual(t, "cooldown", d.Rule)
	}

	assert.Equal(t, 3, warner.count())
	assert.Equal(t, 3, limiter.UserStatus("u1").WarningsSent)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	limiter, c := newTestLimiter(t, nil)

	limiter.Record(ctx, "u1", models.TypeFollow, "a1")
	limiter.Record(ctx, "u2", models.TypeFollow, "")
	assert.Equal(t, 2, limiter.Stats().TotalUsers)

	c.Advance(3 * time.Hour)
	limiter.Record(ctx, "u2", models.TypeFollow, "")

	removed := limiter.Sweep()
	assert.Equal(t, 5, removed, "u1 global+type+actor and u2 global+type")

	stats := limiter.Stats()
	assert.Equal(t, 1, stats.TotalUsers)
	assert.Equal(t, 1, stats.TotalNotificationsTracked)
}

func TestSharedCeiling(t *testing.T) {
	ctx := context.Background()

	denied := &stubCeiling{allowed: false}
	limiter, _ := newTestLimiter(t, nil, WithCeiling(denied))
	d, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "shared", d.Rule)

	broken := &stubCeiling{err: errors.New("connection refused")}
	limiter, _ = newTestLimiter(t, nil, WithCeiling(broken))
	_, err = limiter.Check(ctx, "u1", models.TypeFollow, "")
	assert.Error(t, err)
}

func TestSharedCeilingCountsOnlyRecorded(t *testing.T) {
	ctx := context.Background()
	shared := &stubCeiling{allowed: true}
	limiter, _ := newTestLimiter(t, nil, WithCeiling(shared))

	for i := 0; i < 3; i++ {
		d, err := limiter.Check(ctx, "u1", models.TypeFollow, "")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 3, shared.calls)
	assert.Equal(t, 0, shared.consumed)

	limiter.Record(ctx, "u1", models.TypeFollow, "")
	assert.Equal(t, 1, shared.consumed)

	shared.consumeErr = errors.New("connection refused")
	limiter.Record(ctx, "u1", models.TypeFollow, "")
	assert.Equal(t, 2, shared.consumed)
	assert.Equal(t, 2, limiter.UserStatus("u1").RecentNotificationCount)
}

func TestUpdateRuleAndReset(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, map[string]Rule{})

	limiter.UpdateRule(string(models.TypeWelcome), Rule{MaxNotifications: 1, Window: time.Hour})
	limiter.Record(ctx, "u1", models.TypeWelcome, "")

	d, err := limiter.Check(ctx, "u1", models.TypeWelcome, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	limiter.ResetUser("u1")
	d, err = limiter.Check(ctx, "u1", models.TypeWelcome, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestStatsCountsViolations(t *testing.T) {
	ctx := context.Background()
	limiter, c := newTestLimiter(t, map[string]Rule{GlobalRule: {MaxNotifications: 1, Window: time.Hour}})
	limiter.Record(ctx, "u1", models.TypeFollow, "")

	_, _ = limiter.Check(ctx, "u1", models.TypeFollow, "")
	assert.Equal(t, 1, limiter.Stats().ViolationsLastHour)

	c.Advance(61 * time.Minute)
	assert.Equal(t, 0, limiter.Stats().ViolationsLastHour)
}

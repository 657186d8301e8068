// Package ratelimit gatekeeps notification creation per user, per type and
// per (user, actor) pair using sliding windows and cooldowns.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/clock"
	"notification-pipeline/pkg/models"
)

// Decision is the outcome of a rate-limit check
type Decision struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	RetryAfter   time.Duration `json:"retryAfter,omitempty"`
	Rule         string        `json:"rule,omitempty"`
	CurrentCount int           `json:"currentCount,omitempty"`
	Limit        int           `json:"limit,omitempty"`
}

// Warner delivers rate-limit warnings to the affected user. Implementations
// must write directly to storage and never go back through the limiter.
type Warner interface {
	SendRateLimitWarning(ctx context.Context, userID, rule string, current, limit int) error
}

// Ceiling is a coarse per-user budget shared between instances. IsAllowed
// only reads the budget; Consume is called from Record.
type Ceiling interface {
	IsAllowed(ctx context.Context, userID string) (bool, error)
	Consume(ctx context.Context, userID string) error
}

// Config tunes the limiter
type Config struct {
	Rules           map[string]Rule
	DefaultCooldown time.Duration
	MaxWarnings     int
	Retention       time.Duration
	ActorLimit      int
	ActorWindow     time.Duration
	ActorRetryAfter time.Duration
}

// DefaultConfig returns the built-in limiter configuration
func DefaultConfig() Config {
	return Config{
		Rules:           DefaultRules(),
		DefaultCooldown: 30 * time.Minute,
		MaxWarnings:     3,
		Retention:       2 * time.Hour,
		ActorLimit:      5,
		ActorWindow:     10 * time.Minute,
		ActorRetryAfter: 5 * time.Minute,
	}
}

type userState struct {
	notifications []time.Time
	byType        map[string][]time.Time
	onCooldown    bool
	cooldownUntil time.Time
	warningsSent  int
	lastViolated  string
	consecutive   int
}

func (s *userState) tracked() int {
	n := len(s.notifications)
	for _, ts := range s.byType {
		n += len(ts)
	}
	return n
}

// Limiter is the per-process rate limiter
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	rules      map[string]Rule
	users      map[string]*userState
	actors     map[string][]time.Time
	violations []time.Time

	warner  Warner
	ceiling Ceiling
	clock   clock.Clock
	logger  *logrus.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = clock.OrReal(c) }
}

// WithWarner sets the channel used for rate-limit warnings
func WithWarner(w Warner) Option {
	return func(l *Limiter) { l.warner = w }
}

// WithCeiling adds a shared cross-instance budget
func WithCeiling(c Ceiling) Option {
	return func(l *Limiter) { l.ceiling = c }
}

// New creates a limiter
func New(cfg Config, logger *logrus.Logger, opts ...Option) *Limiter {
	defaults := DefaultConfig()
	if cfg.Rules == nil {
		cfg.Rules = defaults.Rules
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = defaults.DefaultCooldown
	}
	if cfg.MaxWarnings < 0 {
		cfg.MaxWarnings = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.ActorLimit <= 0 {
		cfg.ActorLimit = defaults.ActorLimit
	}
	if cfg.ActorWindow <= 0 {
		cfg.ActorWindow = defaults.ActorWindow
	}
	if cfg.ActorRetryAfter <= 0 {
		cfg.ActorRetryAfter = defaults.ActorRetryAfter
	}

	rules := make(map[string]Rule, len(cfg.Rules))
	for k, v := range cfg.Rules {
		rules[k] = v
	}

	l := &Limiter{
		cfg:    cfg,
		rules:  rules,
		users:  make(map[string]*userState),
		actors: make(map[string][]time.Time),
		clock:  clock.Real{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetWarner wires the warning channel after construction
func (l *Limiter) SetWarner(w Warner) {
	l.mu.Lock()
	l.warner = w
	l.mu.Unlock()
}

type warning struct {
	userID  string
	rule    string
	current int
	limit   int
}

// Check decides whether userID may receive a notification of the given type
func (l *Limiter) Check(ctx context.Context, userID string, notificationType models.NotificationType, actorID string) (Decision, error) {
	decision, warn := l.evaluate(userID, string(notificationType), actorID)

	if warn != nil {
		l.sendWarning(ctx, *warn)
	}
	if !decision.Allowed || l.ceiling == nil {
		return decision, nil
	}

	allowed, err := l.ceiling.IsAllowed(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("shared rate limit check failed: %w", err)
	}
	if !allowed {
		return Decision{
			Allowed: false,
			Reason:  "Shared rate limit exceeded",
			Rule:    "shared",
		}, nil
	}
	return decision, nil
}

func (l *Limiter) evaluate(userID, notificationType, actorID string) (Decision, *warning) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state := l.state(userID)

	if state.onCooldown {
		if now.Before(state.cooldownUntil) {
			remaining := state.cooldownUntil.Sub(now)
			return Decision{
				Allowed:    false,
				Reason:     "User is on cooldown due to rate limit exceeded",
				RetryAfter: time.Duration(math.Ceil(remaining.Seconds())) * time.Second,
				Rule:       "cooldown",
			}, nil
		}
		state.onCooldown = false
		state.cooldownUntil = time.Time{}
		state.warningsSent = 0
		state.consecutive = 0
		state.lastViolated = ""
	}

	if rule, ok := l.rules[GlobalRule]; ok {
		if d, violated := checkRule(GlobalRule, rule, state.notifications, now); violated {
			return l.violation(userID, state, GlobalRule, rule, d, now)
		}
	}

	if rule, ok := l.rules[notificationType]; ok && notificationType != GlobalRule {
		if d, violated := checkRule(notificationType, rule, state.byType[notificationType], now); violated {
			return l.violation(userID, state, notificationType, rule, d, now)
		}
	}

	if actorID != "" {
		recent := countSince(l.actors[actorKey(userID, actorID)], now.Add(-l.cfg.ActorWindow))
		if recent >= l.cfg.ActorLimit {
			l.violations = append(l.violations, now)
			return Decision{
				Allowed:      false,
				Reason:       fmt.Sprintf("Too many notifications from the same user (%s)", actorID),
				RetryAfter:   l.cfg.ActorRetryAfter,
				Rule:         "actor",
				CurrentCount: recent,
				Limit:        l.cfg.ActorLimit,
			}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// checkRule applies the burst sub-window first, then the main window
func checkRule(key string, rule Rule, timestamps []time.Time, now time.Time) (Decision, bool) {
	if rule.BurstLimit > 0 {
		window := rule.BurstWindow
		if window <= 0 {
			window = defaultBurstWindow
		}
		if count := countSince(timestamps, now.Add(-window)); count >= rule.BurstLimit {
			return exceeded(key, count, rule.BurstLimit, window), true
		}
	}

	if count := countSince(timestamps, now.Add(-rule.Window)); count >= rule.MaxNotifications {
		return exceeded(key, count, rule.MaxNotifications, rule.Window), true
	}
	return Decision{Allowed: true}, false
}

func exceeded(key string, count, limit int, window time.Duration) Decision {
	return Decision{
		Allowed:      false,
		Reason:       fmt.Sprintf("Rate limit exceeded for %s: %d/%d in %d minutes", key, count, limit, int(window.Minutes())),
		RetryAfter:   window,
		Rule:         key,
		CurrentCount: count,
		Limit:        limit,
	}
}

// violation records a failed check and escalates to a cooldown on the second
// consecutive violation of the same rule. Called with l.mu held.
func (l *Limiter) violation(userID string, state *userState, key string, rule Rule, d Decision, now time.Time) (Decision, *warning) {
	l.violations = append(l.violations, now)

	if state.lastViolated == key {
		state.consecutive++
	} else {
		state.lastViolated = key
		state.consecutive = 1
	}

	var warn *warning
	if state.warningsSent < l.cfg.MaxWarnings {
		state.warningsSent++
		warn = &warning{userID: userID, rule: key, current: d.CurrentCount, limit: d.Limit}
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = l.cfg.DefaultCooldown
	}
	if rule.Cooldown > 0 {
		d.RetryAfter = rule.Cooldown
	}

	if state.consecutive >= 2 {
		state.onCooldown = true
		state.cooldownUntil = now.Add(cooldown)
		d.RetryAfter = cooldown

		l.logger.WithFields(logrus.Fields{
			"user_id":  userID,
			"rule":     key,
			"cooldown": cooldown.String(),
		}).Warn("User put on cooldown due to rate limit violations")
	}

	return d, warn
}

func (l *Limiter) sendWarning(ctx context.Context, w warning) {
	l.mu.Lock()
	warner := l.warner
	l.mu.Unlock()
	if warner == nil {
		return
	}

	if err := warner.SendRateLimitWarning(ctx, w.userID, w.rule, w.current, w.limit); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": w.userID,
			"rule":    w.rule,
		}).Error("Failed to send rate limit warning")
	}
}

// Record counts a notification that was actually created
func (l *Limiter) Record(ctx context.Context, userID string, notificationType models.NotificationType, actorID string) {
	l.recordLocal(userID, notificationType, actorID)

	if l.ceiling == nil {
		return
	}
	if err := l.ceiling.Consume(ctx, userID); err != nil {
		l.logger.WithError(err).WithField("user_id", userID).Warn("Failed to count notification against shared rate limit")
	}
}

func (l *Limiter) recordLocal(userID string, notificationType models.NotificationType, actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state := l.state(userID)
	state.notifications = append(state.notifications, now)
	if _, ok := l.rules[string(notificationType)]; ok {
		state.byType[string(notificationType)] = append(state.byType[string(notificationType)], now)
	}

	if actorID != "" {
		key := actorKey(userID, actorID)
		l.actors[key] = append(l.actors[key], now)
	}
}

// Sweep prunes timestamps older than the retention horizon and drops empty,
// non-cooldown users. It returns the number of timestamps removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.Retention)
	removed := 0

	for userID, state := range l.users {
		before := state.tracked()
		state.notifications = pruneBefore(state.notifications, cutoff)
		for t, ts := range state.byType {
			if ts = pruneBefore(ts, cutoff); len(ts) == 0 {
				delete(state.byType, t)
			} else {
				state.byType[t] = ts
			}
		}
		removed += before - state.tracked()

		if state.onCooldown && !now.Before(state.cooldownUntil) {
			state.onCooldown = false
			state.cooldownUntil = time.Time{}
			state.warningsSent = 0
			state.consecutive = 0
		}
		if len(state.notifications) == 0 && !state.onCooldown {
			delete(l.users, userID)
		}
	}

	for key, ts := range l.actors {
		before := len(ts)
		ts = pruneBefore(ts, cutoff)
		removed += before - len(ts)
		if len(ts) == 0 {
			delete(l.actors, key)
		} else {
			l.actors[key] = ts
		}
	}

	l.violations = pruneBefore(l.violations, now.Add(-time.Hour))

	if removed > 0 {
		l.logger.WithField("removed", removed).Debug("Cleaned up old rate limit entries")
	}
	return removed
}

// Stats summarises limiter state
type Stats struct {
	TotalUsers                int             `json:"totalUsers"`
	UsersOnCooldown           int             `json:"usersOnCooldown"`
	TotalNotificationsTracked int             `json:"totalNotificationsTracked"`
	ViolationsLastHour        int             `json:"violationsLastHour"`
	Rules                     map[string]Rule `json:"rules"`
}

// Stats returns a snapshot of limiter state
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	stats := Stats{
		TotalUsers:         len(l.users),
		ViolationsLastHour: countSince(l.violations, now.Add(-time.Hour)),
		Rules:              make(map[string]Rule, len(l.rules)),
	}
	for _, state := range l.users {
		if state.onCooldown && now.Before(state.cooldownUntil) {
			stats.UsersOnCooldown++
		}
		stats.TotalNotificationsTracked += len(state.notifications)
	}
	for k, v := range l.rules {
		stats.Rules[k] = v
	}
	return stats
}

// UserStatus is the limiter's view of a single user
type UserStatus struct {
	UserID                  string     `json:"userId"`
	IsOnCooldown            bool       `json:"isOnCooldown"`
	CooldownUntil           *time.Time `json:"cooldownUntil,omitempty"`
	RecentNotificationCount int        `json:"recentNotificationCount"`
	WarningsSent            int        `json:"warningsSent"`
	Limit                   int        `json:"limit"`
	Remaining               int        `json:"remaining"`
}

// UserStatus reports a user's current standing against the global rule
func (l *Limiter) UserStatus(userID string) UserStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	status := UserStatus{UserID: userID}
	global, hasGlobal := l.rules[GlobalRule]
	if hasGlobal {
		status.Limit = global.MaxNotifications
		status.Remaining = global.MaxNotifications
	}

	state, ok := l.users[userID]
	if !ok {
		return status
	}

	if state.onCooldown && now.Before(state.cooldownUntil) {
		until := state.cooldownUntil
		status.IsOnCooldown = true
		status.CooldownUntil = &until
	}
	status.WarningsSent = state.warningsSent
	if hasGlobal {
		status.RecentNotificationCount = countSince(state.notifications, now.Add(-global.Window))
		if remaining := global.MaxNotifications - status.RecentNotificationCount; remaining > 0 {
			status.Remaining = remaining
		} else {
			status.Remaining = 0
		}
	} else {
		status.RecentNotificationCount = len(state.notifications)
	}
	return status
}

// UpdateRule adds or replaces a rule
func (l *Limiter) UpdateRule(key string, rule Rule) {
	l.mu.Lock()
	l.rules[key] = rule
	l.mu.Unlock()
}

// ResetUser forgets everything about a user, including actor history
func (l *Limiter) ResetUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.users, userID)
	prefix := userID + "_actor_"
	for key := range l.actors {
		if strings.HasPrefix(key, prefix) {
			delete(l.actors, key)
		}
	}
}

// state returns the user's state, creating it lazily. Called with l.mu held.
func (l *Limiter) state(userID string) *userState {
	s, ok := l.users[userID]
	if !ok {
		s = &userState{byType: make(map[string][]time.Time)}
		l.users[userID] = s
	}
	return s
}

func actorKey(userID, actorID string) string {
	return userID + "_actor_" + actorID
}

func countSince(timestamps []time.Time, since time.Time) int {
	n := 0
	for _, ts := range timestamps {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Package dedup suppresses near-duplicate notifications by fingerprinting
// requests per notification type within a time window.
package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/clock"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/models"
)

// Rule controls deduplication for one notification type
type Rule struct {
	Window time.Duration `json:"window"`
	// AllowMultiple keeps notifications from different actors distinct
	AllowMultiple bool `json:"allowMultiple"`
}

// DefaultRules returns the built-in rule table
func DefaultRules() map[models.NotificationType]Rule {
	return map[models.NotificationType]Rule{
		models.TypeDiscussionLike:     {Window: 60 * time.Minute},
		models.TypeDiscussionReply:    {Window: 30 * time.Minute, AllowMultiple: true},
		models.TypeDiscussionMention:  {Window: 10 * time.Minute},
		models.TypeCommentLike:        {Window: 60 * time.Minute},
		models.TypeCommentReply:       {Window: 30 * time.Minute, AllowMultiple: true},
		models.TypeWelcome:            {Window: 1440 * time.Minute},
		models.TypeSystemAnnouncement: {Window: 120 * time.Minute},
		models.TypeChartLike:          {Window: 60 * time.Minute},
		models.TypeFollow:             {Window: 60 * time.Minute},
	}
}

// Result is the outcome of a duplicate check
type Result struct {
	IsDuplicate            bool   `json:"isDuplicate"`
	ExistingNotificationID string `json:"existingNotificationId,omitempty"`
	Reason                 string `json:"reason,omitempty"`
}

// NotificationLister is the slice of the store used by the fallback query
type NotificationLister interface {
	GetUserNotifications(ctx context.Context, userID string, opts store.ListOptions) ([]models.Notification, error)
}

// Config tunes the deduplicator
type Config struct {
	Rules map[models.NotificationType]Rule
	// Retention is how long fingerprints stay cached, independent of rule windows
	Retention     time.Duration
	FallbackLimit int
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		Rules:         DefaultRules(),
		Retention:     2 * time.Hour,
		FallbackLimit: 10,
	}
}

// Deduplicator checks and registers notification fingerprints
type Deduplicator struct {
	mu    sync.RWMutex
	rules map[models.NotificationType]Rule
	cfg   Config

	cache  FingerprintCache
	lister NotificationLister
	clock  clock.Clock
	logger *logrus.Logger

	statsMu      sync.Mutex
	checks       int64
	duplicates   int64
	cacheHits    int64
	fallbackHits int64
	errors       int64
}

// New creates a deduplicator. A nil cache uses a MemoryCache; a nil lister
// disables the fallback query.
func New(cfg Config, cache FingerprintCache, lister NotificationLister, c clock.Clock, logger *logrus.Logger) *Deduplicator {
	defaults := DefaultConfig()
	if cfg.Rules == nil {
		cfg.Rules = defaults.Rules
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.FallbackLimit <= 0 {
		cfg.FallbackLimit = defaults.FallbackLimit
	}
	if cache == nil {
		cache = NewMemoryCache()
	}

	rules := make(map[models.NotificationType]Rule, len(cfg.Rules))
	for k, v := range cfg.Rules {
		rules[k] = v
	}

	return &Deduplicator{
		rules:  rules,
		cfg:    cfg,
		cache:  cache,
		lister: lister,
		clock:  clock.OrReal(c),
		logger: logger,
	}
}

type fingerprintData struct {
	UserID     string `json:"userId"`
	Type       string `json:"type"`
	EntityID   string `json:"entityId"`
	ActorID    string `json:"actorId"`
	TimeWindow int    `json:"timeWindow"`
}

// Fingerprint hashes the identifying fields of a notification. The actor is
// only part of the fingerprint when the rule allows multiple actors.
func Fingerprint(userID string, notificationType models.NotificationType, entityID, actorID string, rule Rule) string {
	if !rule.AllowMultiple {
		actorID = ""
	}
	data, _ := json.Marshal(fingerprintData{
		UserID:     userID,
		Type:       string(notificationType),
		EntityID:   entityID,
		ActorID:    actorID,
		TimeWindow: int(rule.Window.Minutes()),
	})
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (d *Deduplicator) rule(notificationType models.NotificationType) (Rule, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rules[notificationType]
	return r, ok
}

// Check reports whether a notification with these fields already exists
// within the type's window. Unknown types are never duplicates.
func (d *Deduplicator) Check(ctx context.Context, userID string, notificationType models.NotificationType, entityID, actorID string) (Result, error) {
	rule, ok := d.rule(notificationType)
	if !ok {
		return Result{}, nil
	}
	d.count(&d.checks)

	now := d.clock.Now()
	cutoff := now.Add(-rule.Window)
	fp := Fingerprint(userID, notificationType, entityID, actorID, rule)

	entry, found, err := d.cache.Get(ctx, fp)
	if err != nil {
		d.count(&d.errors)
		return Result{}, fmt.Errorf("fingerprint lookup failed: %w", err)
	}
	if found && !entry.RegisteredAt.Before(cutoff) {
		d.count(&d.duplicates)
		d.count(&d.cacheHits)
		return Result{
			IsDuplicate:            true,
			ExistingNotificationID: entry.NotificationID,
			Reason:                 "Found in cache",
		}, nil
	}

	if d.lister == nil {
		return Result{}, nil
	}

	filterActor := ""
	if rule.AllowMultiple {
		filterActor = actorID
	}
	existing, err := d.findSimilar(ctx, userID, notificationType, entityID, filterActor, cutoff)
	if err != nil {
		d.count(&d.errors)
		return Result{}, err
	}
	if existing == nil {
		return Result{}, nil
	}

	if err := d.cache.Put(ctx, fp, Entry{NotificationID: existing.ID, RegisteredAt: existing.CreatedAt}, d.ttl(rule)); err != nil {
		d.logger.WithError(err).WithField("fingerprint", fp).Warn("Failed to cache fallback duplicate")
	}
	d.count(&d.duplicates)
	d.count(&d.fallbackHits)

	return Result{
		IsDuplicate:            true,
		ExistingNotificationID: existing.ID,
		Reason:                 fmt.Sprintf("Similar notification found within %d minutes", int(rule.Window.Minutes())),
	}, nil
}

func (d *Deduplicator) findSimilar(ctx context.Context, userID string, notificationType models.NotificationType, entityID, actorID string, cutoff time.Time) (*models.Notification, error) {
	recent, err := d.lister.GetUserNotifications(ctx, userID, store.ListOptions{Limit: d.cfg.FallbackLimit})
	if err != nil {
		return nil, fmt.Errorf("fallback duplicate query failed: %w", err)
	}

	for i := range recent {
		n := &recent[i]
		if n.Type != notificationType {
			continue
		}
		if n.CreatedAt.Before(cutoff) {
			continue
		}
		if entityID != "" && n.EntityID != entityID {
			continue
		}
		if actorID != "" && n.ActorID != actorID {
			continue
		}
		return n, nil
	}
	return nil, nil
}

// Register records a created notification so later checks see it
func (d *Deduplicator) Register(ctx context.Context, notificationID, userID string, notificationType models.NotificationType, entityID, actorID string) error {
	rule, ok := d.rule(notificationType)
	if !ok {
		return nil
	}
	fp := Fingerprint(userID, notificationType, entityID, actorID, rule)
	entry := Entry{NotificationID: notificationID, RegisteredAt: d.clock.Now()}
	if err := d.cache.Put(ctx, fp, entry, d.ttl(rule)); err != nil {
		return fmt.Errorf("failed to register fingerprint: %w", err)
	}
	return nil
}

// ttl keeps shared-cache entries for at least the rule window
func (d *Deduplicator) ttl(rule Rule) time.Duration {
	if rule.Window > d.cfg.Retention {
		return rule.Window
	}
	return d.cfg.Retention
}

// Sweep evicts fingerprints older than the retention horizon
func (d *Deduplicator) Sweep(ctx context.Context) (int, error) {
	removed, err := d.cache.Sweep(ctx, d.clock.Now().Add(-d.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("fingerprint sweep failed: %w", err)
	}
	if removed > 0 {
		d.logger.WithField("removed", removed).Debug("Cleaned up old deduplication entries")
	}
	return removed, nil
}

// Stats summarises deduplicator activity
type Stats struct {
	CacheSize    int                              `json:"cacheSize"`
	Checks       int64                            `json:"checks"`
	Duplicates   int64                            `json:"duplicates"`
	CacheHits    int64                            `json:"cacheHits"`
	FallbackHits int64                            `json:"fallbackHits"`
	Errors       int64                            `json:"errors"`
	Rules        map[models.NotificationType]Rule `json:"rules"`
}

// PreventionRate is the percentage of checks that completed, 100 when idle
func (s Stats) PreventionRate() float64 {
	if s.Checks == 0 {
		return 100
	}
	return float64(s.Checks-s.Errors) / float64(s.Checks) * 100
}

// Stats returns a snapshot of deduplicator activity
func (d *Deduplicator) Stats(ctx context.Context) (Stats, error) {
	size, err := d.cache.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to size fingerprint cache: %w", err)
	}

	d.statsMu.Lock()
	stats := Stats{
		CacheSize:    size,
		Checks:       d.checks,
		Duplicates:   d.duplicates,
		CacheHits:    d.cacheHits,
		FallbackHits: d.fallbackHits,
		Errors:       d.errors,
	}
	d.statsMu.Unlock()

	d.mu.RLock()
	stats.Rules = make(map[models.NotificationType]Rule, len(d.rules))
	for k, v := range d.rules {
		stats.Rules[k] = v
	}
	d.mu.RUnlock()

	return stats, nil
}

// Clear drops all cached fingerprints
func (d *Deduplicator) Clear(ctx context.Context) error {
	return d.cache.Clear(ctx)
}

// UpdateRule adds or replaces the rule for a type
func (d *Deduplicator) UpdateRule(notificationType models.NotificationType, rule Rule) {
	d.mu.Lock()
	d.rules[notificationType] = rule
	d.mu.Unlock()
}

func (d *Deduplicator) count(counter *int64) {
	d.statsMu.Lock()
	*counter++
	d.statsMu.Unlock()
}

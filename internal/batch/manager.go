// Package batch groups social notification events per entity into a single
// digest notification that is written after an inactivity delay or once the
// batch is full.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/clock"
	"notification-pipeline/pkg/models"
)

// Event is one batchable occurrence, e.g. a like on a discussion
type Event struct {
	UserID       string
	Type         models.NotificationType
	EntityType   models.EntityType
	EntityID     string
	ActorID      string
	ActorName    string
	ContextTitle string
	Timestamp    time.Time
}

// Key groups events that end up in the same digest
func (e Event) Key() string {
	return fmt.Sprintf("%s_%s_%s_%s", e.UserID, e.Type, e.EntityType, e.EntityID)
}

// Creator persists notifications
type Creator interface {
	CreateNotification(ctx context.Context, params models.CreateParams) (*models.Notification, error)
}

// FlushHook is called with every digest that was persisted
type FlushHook func(ctx context.Context, n *models.Notification, size int)

// Config tunes the batch manager
type Config struct {
	Delay   time.Duration
	MaxSize int
	Types   []models.NotificationType
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		Delay:   5 * time.Minute,
		MaxSize: 10,
		Types: []models.NotificationType{
			models.TypeDiscussionLike,
			models.TypeChartLike,
			models.TypeDiscussionReply,
		},
	}
}

type entry struct {
	actorID   string
	actorName string
	timestamp time.Time
}

type pending struct {
	first    Event
	entries  []entry
	deadline time.Time
}

// Manager holds pending batches until they are flushed
type Manager struct {
	mu        sync.Mutex
	batches   map[string]*pending
	batchable map[models.NotificationType]bool
	cfg       Config

	creator Creator
	onFlush FlushHook
	clock   clock.Clock
	logger  *logrus.Logger

	flushed   int64
	fallbacks int64
	immediate int64
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithFlushHook registers a callback for persisted digests
func WithFlushHook(h FlushHook) Option {
	return func(m *Manager) { m.onFlush = h }
}

// New creates a batch manager writing through creator
func New(cfg Config, creator Creator, logger *logrus.Logger, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.Delay <= 0 {
		cfg.Delay = defaults.Delay
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.Types == nil {
		cfg.Types = defaults.Types
	}

	m := &Manager{
		batches:   make(map[string]*pending),
		batchable: make(map[models.NotificationType]bool, len(cfg.Types)),
		cfg:       cfg,
		creator:   creator,
		logger:    logger,
	}
	for _, t := range cfg.Types {
		m.batchable[t] = true
	}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrReal(m.clock)
	return m
}

// IsBatchable reports whether events of this type are grouped
func (m *Manager) IsBatchable(t models.NotificationType) bool {
	return m.batchable[t]
}

// Add queues a batchable event, or creates the notification right away for
// other types. A batch that reaches MaxSize is flushed before Add returns.
func (m *Manager) Add(ctx context.Context, e Event) error {
	now := m.clock.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	if !m.IsBatchable(e.Type) {
		return m.createImmediate(ctx, e)
	}

	key := e.Key()

	m.mu.Lock()
	b, ok := m.batches[key]
	if !ok {
		b = &pending{first: e}
		m.batches[key] = b
	}

	found := false
	for i := range b.entries {
		if b.entries[i].actorName == e.ActorName {
			b.entries[i].actorID = e.ActorID
			b.entries[i].timestamp = e.Timestamp
			found = true
			break
		}
	}
	if !found {
		b.entries = append(b.entries, entry{actorID: e.ActorID, actorName: e.ActorName, timestamp: e.Timestamp})
	}

	if len(b.entries) >= m.cfg.MaxSize {
		delete(m.batches, key)
		m.mu.Unlock()
		m.flush(ctx, key, b)
		return nil
	}

	b.deadline = now.Add(m.cfg.Delay)
	m.mu.Unlock()
	return nil
}

// Tick flushes every batch whose inactivity deadline has passed and returns
// how many were flushed
func (m *Manager) Tick(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	due := make(map[string]*pending)
	for key, b := range m.batches {
		if !now.Before(b.deadline) {
			due[key] = b
			delete(m.batches, key)
		}
	}
	m.mu.Unlock()

	for _, key := range sortedKeys(due) {
		m.flush(ctx, key, due[key])
	}
	return len(due)
}

// FlushAll flushes every pending batch regardless of its deadline
func (m *Manager) FlushAll(ctx context.Context) int {
	m.mu.Lock()
	all := m.batches
	m.batches = make(map[string]*pending)
	m.mu.Unlock()

	for _, key := range sortedKeys(all) {
		m.flush(ctx, key, all[key])
	}
	return len(all)
}

func sortedKeys(batches map[string]*pending) []string {
	keys := make([]string, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) flush(ctx context.Context, key string, b *pending) {
	if len(b.entries) == 0 {
		return
	}

	params := m.digest(b)
	n, err := m.creator.CreateNotification(ctx, params)
	if err == nil && n != nil && n.ID != "" {
		m.mu.Lock()
		m.flushed++
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"batch_key": key,
			"events":    len(b.entries),
			"title":     params.Title,
		}).Info("Created batched notification")

		if m.onFlush != nil {
			m.onFlush(ctx, n, len(b.entries))
		}
		return
	}
	if err == nil {
		err = errors.New("no notification id returned")
	}

	m.logger.WithError(err).WithField("batch_key", key).Error("Failed to create batched notification")
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()

	for _, en := range b.entries {
		e := b.first
		e.ActorID = en.actorID
		e.ActorName = en.actorName
		e.Timestamp = en.timestamp
		if ferr := m.createImmediate(ctx, e); ferr != nil {
			m.logger.WithError(ferr).WithFields(logrus.Fields{
				"batch_key": key,
				"actor":     en.actorName,
			}).Error("Failed to create fallback notification")
		}
	}
}

func (m *Manager) digest(b *pending) models.CreateParams {
	actors := make([]string, 0, len(b.entries))
	seen := make(map[string]bool, len(b.entries))
	var latest time.Time
	for _, en := range b.entries {
		if !seen[en.actorName] {
			seen[en.actorName] = true
			actors = append(actors, en.actorName)
		}
		if en.timestamp.After(latest) {
			latest = en.timestamp
		}
	}
	count := len(b.entries)
	first := b.first
	c := digestContent(first.Type, actors, count, first.ContextTitle)

	return models.CreateParams{
		UserID:     first.UserID,
		Type:       first.Type,
		Title:      c.Title,
		Message:    c.Message,
		Icon:       c.Icon,
		Priority:   digestPriority(count),
		Category:   models.CategorySocial,
		EntityType: first.EntityType,
		EntityID:   first.EntityID,
		EntityURL:  models.EntityURL(first.EntityType, first.EntityID),
		Data: map[string]interface{}{
			"actors":       actors,
			"count":        count,
			"latest":       latest,
			"contextTitle": first.ContextTitle,
		},
	}
}

// ImmediateParams renders the standalone notification for a single event
func ImmediateParams(e Event) models.CreateParams {
	c := immediateContent(e.Type, e.ActorName, e.ContextTitle)
	return models.CreateParams{
		UserID:     e.UserID,
		Type:       e.Type,
		Title:      c.Title,
		Message:    c.Message,
		Icon:       c.Icon,
		Priority:   immediatePriority(e.Type),
		Category:   models.CategorySocial,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		EntityURL:  models.EntityURL(e.EntityType, e.EntityID),
		ActorID:    e.ActorID,
	}
}

func (m *Manager) createImmediate(ctx context.Context, e Event) error {
	if _, err := m.creator.CreateNotification(ctx, ImmediateParams(e)); err != nil {
		return fmt.Errorf("failed to create immediate notification: %w", err)
	}

	m.mu.Lock()
	m.immediate++
	m.mu.Unlock()
	return nil
}

// Stats describes pending and completed batches
type Stats struct {
	PendingBatches            int      `json:"pendingBatches"`
	TotalPendingNotifications int      `json:"totalPendingNotifications"`
	ActiveBatchKeys           []string `json:"activeBatchKeys"`
	Flushed                   int64    `json:"flushed"`
	Fallbacks                 int64    `json:"fallbacks"`
	Immediate                 int64    `json:"immediate"`
}

// Stats returns a snapshot of the manager
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		PendingBatches:  len(m.batches),
		ActiveBatchKeys: sortedKeys(m.batches),
		Flushed:         m.flushed,
		Fallbacks:       m.fallbacks,
		Immediate:       m.immediate,
	}
	for _, b := range m.batches {
		s.TotalPendingNotifications += len(b.entries)
	}
	return s
}

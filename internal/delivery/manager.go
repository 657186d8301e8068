// Package delivery runs notification writes with a timeout, retries failed
// attempts on a fixed backoff schedule and stamps the outcome into the
// notification's metadata.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/clock"
	"notification-pipeline/pkg/models"
)

// Status of a delivery attempt
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further work happens for this status
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusExpired
}

var (
	// ErrTimeout is returned when a delivery function outlives its timeout
	ErrTimeout = errors.New("delivery timeout")
	// ErrNoID is returned when a delivery function reports no notification id
	ErrNoID = errors.New("delivery function returned no notification id")
)

const abandonedMessage = "abandoned after restart"

// Func performs one delivery and returns the id of the persisted notification
type Func func(ctx context.Context) (string, error)

// Attempt is the bookkeeping for one logical delivery. Retries reuse the same
// ID and bump AttemptNumber.
type Attempt struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notificationId,omitempty"`
	Channel        string     `json:"channel,omitempty"`
	AttemptNumber  int        `json:"attemptNumber"`
	Status         Status     `json:"status"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	AttemptedAt    time.Time  `json:"attemptedAt"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
}

// Config controls retries for a delivery
type Config struct {
	MaxRetries    int
	RetryDelays   []time.Duration
	Timeout       time.Duration
	Expiry        time.Duration
	EnableRetries bool
	// VerifyBeforeRetry looks the notification up before each retry and
	// expires the attempt when it no longer exists
	VerifyBeforeRetry bool
	// Channel namespaces the metadata written for this delivery
	Channel string
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryDelays:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		Timeout:       10 * time.Second,
		Expiry:        24 * time.Hour,
		EnableRetries: true,
	}
}

// delayFor returns the wait before the given attempt number
func (c Config) delayFor(nextAttempt int) time.Duration {
	if len(c.RetryDelays) == 0 {
		return 0
	}
	i := nextAttempt - 2
	if i < 0 {
		i = 0
	}
	if i > len(c.RetryDelays)-1 {
		i = len(c.RetryDelays) - 1
	}
	return c.RetryDelays[i]
}

// DeliverOption overrides the manager config for one delivery
type DeliverOption func(*Config)

// WithMaxRetries caps the number of attempts
func WithMaxRetries(n int) DeliverOption {
	return func(c *Config) { c.MaxRetries = n }
}

// WithoutRetries expires the attempt after the first failure
func WithoutRetries() DeliverOption {
	return func(c *Config) { c.EnableRetries = false }
}

// WithVerifyBeforeRetry checks the notification still exists before retrying
func WithVerifyBeforeRetry() DeliverOption {
	return func(c *Config) { c.VerifyBeforeRetry = true }
}

// WithChannel namespaces the delivery metadata under name
func WithChannel(name string) DeliverOption {
	return func(c *Config) { c.Channel = name }
}

// Store is the slice of the notification store the manager writes to
type Store interface {
	UpdateNotification(ctx context.Context, id string, metadata models.Metadata) error
	GetNotificationByID(ctx context.Context, id string) (*models.Notification, error)
}

// StatusMirror publishes delivery status for out-of-process readers
type StatusMirror interface {
	SetNotificationStatus(ctx context.Context, notificationID string, status models.DeliveryStatus) error
}

type record struct {
	attempt Attempt
	fn      Func
	cfg     Config
}

// Manager tracks delivery attempts and their retries
type Manager struct {
	mu         sync.Mutex
	attempts   map[string]*record
	retryQueue map[string]struct{}
	processing int32

	cfg       Config
	store     Store
	journal   Journal
	mirror    StatusMirror
	delivered DeliveredHook
	clock     clock.Clock
	logger    *logrus.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithJournal persists non-terminal attempts so they can be recovered
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithStatusMirror mirrors status changes to a shared cache
func WithStatusMirror(s StatusMirror) Option {
	return func(m *Manager) { m.mirror = s }
}

// DeliveredHook runs after an attempt succeeds, on the first try or a retry
type DeliveredHook func(ctx context.Context, a Attempt)

// WithDeliveredHook registers a callback for successful attempts
func WithDeliveredHook(h DeliveredHook) Option {
	return func(m *Manager) { m.delivered = h }
}

// New creates a delivery manager
func New(cfg Config, store Store, logger *logrus.Logger, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = defaults.RetryDelays
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaults.Expiry
	}

	m := &Manager{
		attempts:   make(map[string]*record),
		retryQueue: make(map[string]struct{}),
		cfg:        cfg,
		store:      store,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrReal(m.clock)
	return m
}

// Deliver runs fn once and reports whether it succeeded. A failed attempt is
// queued for retry when retries remain, otherwise it expires.
func (m *Manager) Deliver(ctx context.Context, notificationID string, fn Func, opts ...DeliverOption) bool {
	return m.Submit(ctx, notificationID, fn, opts...).Status == StatusSuccess
}

// Submit is Deliver returning the attempt as it stands after the first try
func (m *Manager) Submit(ctx context.Context, notificationID string, fn Func, opts ...DeliverOption) Attempt {
	cfg := m.cfg
	for _, opt := range opts {
		opt(&cfg)
	}

	rec := &record{
		attempt: Attempt{
			ID:             uuid.New().String(),
			NotificationID: notificationID,
			Channel:        cfg.Channel,
			AttemptNumber:  1,
			Status:         StatusPending,
			AttemptedAt:    m.clock.Now(),
		},
		fn:  fn,
		cfg: cfg,
	}

	m.mu.Lock()
	m.attempts[rec.attempt.ID] = rec
	snapshot := rec.attempt
	m.mu.Unlock()
	m.persist(snapshot)

	id, err := m.execute(ctx, fn, cfg.Timeout)
	m.complete(ctx, rec, id, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.attempt
}

// execute runs fn with a timeout. A result arriving after the timeout is dropped.
func (m *Manager) execute(ctx context.Context, fn Func, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := fn(ctx)
		done <- result{id: id, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		if r.id == "" {
			return "", ErrNoID
		}
		return r.id, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

func (m *Manager) complete(ctx context.Context, rec *record, id string, err error) bool {
	now := m.clock.Now()

	m.mu.Lock()
	a := &rec.attempt
	if id != "" && a.NotificationID == "" {
		a.NotificationID = id
	}

	if err == nil {
		a.Status = StatusSuccess
		a.ErrorMessage = ""
		snapshot := *a
		m.mu.Unlock()

		m.forget(snapshot.ID)
		m.markDelivered(ctx, snapshot, now)
		if m.delivered != nil {
			m.delivered(ctx, snapshot)
		}
		return true
	}

	a.Status = StatusFailed
	a.ErrorMessage = err.Error()

	fields := logrus.Fields{
		"attempt_id":      a.ID,
		"notification_id": a.NotificationID,
		"attempt":         a.AttemptNumber,
	}

	if rec.cfg.EnableRetries && a.AttemptNumber < rec.cfg.MaxRetries {
		delay := rec.cfg.delayFor(a.AttemptNumber + 1)
		next := now.Add(delay)
		a.NextRetryAt = &next
		m.retryQueue[a.ID] = struct{}{}
		snapshot := *a
		m.mu.Unlock()

		m.persist(snapshot)
		m.logger.WithError(err).WithFields(fields).WithField("retry_in", delay.String()).Warn("Notification delivery failed, retry scheduled")
		return false
	}

	a.Status = StatusExpired
	snapshot := *a
	m.mu.Unlock()

	m.forget(snapshot.ID)
	m.logger.WithError(err).WithFields(fields).Error("Notification delivery abandoned")
	m.markFailed(ctx, snapshot, now)
	return false
}

// Tick runs every queued retry whose time has come and returns how many ran.
// A Tick that starts while another is still running does nothing.
func (m *Manager) Tick(ctx context.Context) int {
	if !atomic.CompareAndSwapInt32(&m.processing, 0, 1) {
		return 0
	}
	defer atomic.StoreInt32(&m.processing, 0)

	now := m.clock.Now()

	m.mu.Lock()
	var ready []*record
	for id := range m.retryQueue {
		rec, ok := m.attempts[id]
		if !ok {
			delete(m.retryQueue, id)
			continue
		}
		if rec.attempt.NextRetryAt != nil && !rec.attempt.NextRetryAt.After(now) {
			ready = append(ready, rec)
			delete(m.retryQueue, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].attempt.NextRetryAt.Before(*ready[j].attempt.NextRetryAt)
	})

	for _, rec := range ready {
		m.retry(ctx, rec)
	}
	return len(ready)
}

func (m *Manager) retry(ctx context.Context, rec *record) {
	m.mu.Lock()
	a := &rec.attempt
	a.AttemptNumber++
	a.Status = StatusPending
	a.AttemptedAt = m.clock.Now()
	a.NextRetryAt = nil
	snapshot := *a
	m.mu.Unlock()
	m.persist(snapshot)

	if rec.cfg.VerifyBeforeRetry && snapshot.NotificationID != "" && m.store != nil {
		n, err := m.store.GetNotificationByID(ctx, snapshot.NotificationID)
		if err != nil {
			m.complete(ctx, rec, "", fmt.Errorf("failed to verify notification: %w", err))
			return
		}
		if n == nil {
			m.mu.Lock()
			a.Status = StatusExpired
			a.ErrorMessage = "notification no longer exists"
			m.mu.Unlock()
			m.forget(snapshot.ID)
			m.logger.WithField("notification_id", snapshot.NotificationID).Warn("Notification vanished before retry")
			return
		}
	}

	id, err := m.execute(ctx, rec.fn, rec.cfg.Timeout)
	if m.complete(ctx, rec, id, err) {
		done, _ := m.Attempt(snapshot.ID)
		m.logger.WithFields(logrus.Fields{
			"notification_id": done.NotificationID,
			"attempt":         done.AttemptNumber,
		}).Info("Notification delivered on retry")
	}
}

func (m *Manager) metadata(channel string, fields models.Metadata) models.Metadata {
	if channel == "" {
		return fields
	}
	return models.Metadata{channel: map[string]interface{}(fields)}
}

func (m *Manager) markDelivered(ctx context.Context, a Attempt, now time.Time) {
	m.mirrorStatus(ctx, a, models.DeliveryDelivered)
	if m.store == nil || a.NotificationID == "" {
		return
	}
	md := m.metadata(a.Channel, models.Metadata{
		"deliveryStatus": string(models.DeliveryDelivered),
		"deliveredAt":    now.UTC().Format(time.RFC3339),
		"attemptId":      a.ID,
	})
	if err := m.store.UpdateNotification(ctx, a.NotificationID, md); err != nil {
		m.logger.WithError(err).WithField("notification_id", a.NotificationID).Error("Failed to mark notification as delivered")
	}
}

func (m *Manager) markFailed(ctx context.Context, a Attempt, now time.Time) {
	m.mirrorStatus(ctx, a, models.DeliveryFailed)
	if m.store == nil || a.NotificationID == "" {
		return
	}
	md := m.metadata(a.Channel, models.Metadata{
		"deliveryStatus": string(models.DeliveryFailed),
		"failedAt":       now.UTC().Format(time.RFC3339),
		"attemptId":      a.ID,
		"errorMessage":   a.ErrorMessage,
	})
	if err := m.store.UpdateNotification(ctx, a.NotificationID, md); err != nil {
		m.logger.WithError(err).WithField("notification_id", a.NotificationID).Error("Failed to mark notification as failed")
	}
}

// mirrorStatus only tracks the primary write; channel deliveries are recorded
// in metadata alone.
func (m *Manager) mirrorStatus(ctx context.Context, a Attempt, status models.DeliveryStatus) {
	if m.mirror == nil || a.NotificationID == "" || a.Channel != "" {
		return
	}
	if err := m.mirror.SetNotificationStatus(ctx, a.NotificationID, status); err != nil {
		m.logger.WithError(err).WithField("notification_id", a.NotificationID).Warn("Failed to mirror delivery status")
	}
}

func (m *Manager) persist(a Attempt) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Save(a); err != nil {
		m.logger.WithError(err).WithField("attempt_id", a.ID).Warn("Failed to journal delivery attempt")
	}
}

func (m *Manager) forget(id string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Delete(id); err != nil {
		m.logger.WithError(err).WithField("attempt_id", id).Warn("Failed to drop journaled delivery attempt")
	}
}

// Recover expires attempts that a previous process left unfinished and
// returns how many were found
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	left, err := m.journal.Pending()
	if err != nil {
		return 0, fmt.Errorf("failed to read delivery journal: %w", err)
	}

	now := m.clock.Now()
	for _, a := range left {
		a.Status = StatusExpired
		a.ErrorMessage = abandonedMessage
		a.NextRetryAt = nil

		m.mu.Lock()
		m.attempts[a.ID] = &record{attempt: a, cfg: m.cfg}
		m.mu.Unlock()

		m.forget(a.ID)
		m.markFailed(ctx, a, now)
	}

	if len(left) > 0 {
		m.logger.WithField("attempts", len(left)).Warn("Expired delivery attempts left over from a previous run")
	}
	return len(left), nil
}

// Attempt returns a copy of the attempt with the given id
func (m *Manager) Attempt(id string) (Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.attempts[id]
	if !ok {
		return Attempt{}, false
	}
	return rec.attempt, true
}

// Attempts returns copies of every tracked attempt for a notification
func (m *Manager) Attempts(notificationID string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Attempt
	for _, rec := range m.attempts {
		if rec.attempt.NotificationID == notificationID {
			out = append(out, rec.attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	return out
}

// Stats summarises tracked attempts
type Stats struct {
	TotalAttempts        int `json:"totalAttempts"`
	SuccessfulDeliveries int `json:"successfulDeliveries"`
	FailedDeliveries     int `json:"failedDeliveries"`
	PendingRetries       int `json:"pendingRetries"`
	ExpiredNotifications int `json:"expiredNotifications"`
}

// DeliveryRate is the percentage of attempts that succeeded, 100 when idle
func (s Stats) DeliveryRate() float64 {
	if s.TotalAttempts == 0 {
		return 100
	}
	return float64(s.SuccessfulDeliveries) / float64(s.TotalAttempts) * 100
}

// Stats returns a snapshot of delivery bookkeeping
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalAttempts:  len(m.attempts),
		PendingRetries: len(m.retryQueue),
	}
	for _, rec := range m.attempts {
		switch rec.attempt.Status {
		case StatusSuccess:
			s.SuccessfulDeliveries++
		case StatusFailed:
			s.FailedDeliveries++
		case StatusExpired:
			s.ExpiredNotifications++
		}
	}
	return s
}

// CleanupOldAttempts drops attempts made longer ago than the expiry horizon
func (m *Manager) CleanupOldAttempts() int {
	return m.CleanupAttemptsOlderThan(m.cfg.Expiry)
}

// CleanupAttemptsOlderThan drops attempts made more than age ago
func (m *Manager) CleanupAttemptsOlderThan(age time.Duration) int {
	cutoff := m.clock.Now().Add(-age)

	m.mu.Lock()
	var removed []string
	for id, rec := range m.attempts {
		if rec.attempt.AttemptedAt.Before(cutoff) {
			delete(m.attempts, id)
			delete(m.retryQueue, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range removed {
		m.forget(id)
	}
	m.logger.WithField("removed", len(removed)).Debug("Cleaned up old delivery attempts")
	return len(removed)
}

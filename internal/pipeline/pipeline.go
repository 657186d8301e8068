// Package pipeline wires the rate limiter, deduplicator, batch manager,
// delivery manager and health monitor into the notification creation path.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"notification-pipeline/internal/batch"
	"notification-pipeline/internal/clock"
	"notification-pipeline/internal/dedup"
	"notification-pipeline/internal/delivery"
	"notification-pipeline/internal/health"
	"notification-pipeline/internal/ratelimit"
	"notification-pipeline/internal/store"
	"notification-pipeline/pkg/config"
	"notification-pipeline/pkg/models"
)

// RealtimeChannel namespaces the metadata of realtime publishes
const RealtimeChannel = "realtime"

// Config holds the settings of every component
type Config struct {
	Policy          Policy
	RateLimit       ratelimit.Config
	Dedup           dedup.Config
	Batch           batch.Config
	Delivery        delivery.Config
	BulkChunkSize   int
	BulkRatePerSec  int
	PublishRealtime bool
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() Config {
	return Config{
		Policy:          FailOpen,
		RateLimit:       ratelimit.DefaultConfig(),
		Dedup:           dedup.DefaultConfig(),
		Batch:           batch.DefaultConfig(),
		Delivery:        delivery.DefaultConfig(),
		BulkChunkSize:   100,
		BulkRatePerSec:  20,
		PublishRealtime: true,
	}
}

// ConfigFrom maps the application configuration onto the pipeline
func ConfigFrom(c *config.Config) (Config, error) {
	policy, err := ParsePolicy(c.Pipeline.OnInternalError)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.Policy = policy
	cfg.BulkChunkSize = c.Pipeline.BulkChunkSize
	cfg.BulkRatePerSec = c.Pipeline.BulkRatePerSec
	cfg.PublishRealtime = c.Pipeline.PublishRealtime

	cfg.RateLimit.DefaultCooldown = c.RateLimit.DefaultCooldown
	cfg.RateLimit.MaxWarnings = c.RateLimit.MaxWarnings
	cfg.RateLimit.Retention = c.RateLimit.Retention

	cfg.Dedup.Retention = c.Dedup.Retention
	cfg.Dedup.FallbackLimit = c.Dedup.FallbackLimit

	cfg.Batch.Delay = c.Batch.Delay
	cfg.Batch.MaxSize = c.Batch.MaxSize

	cfg.Delivery.MaxRetries = c.Delivery.MaxRetries
	cfg.Delivery.RetryDelays = c.Delivery.RetryDelays
	cfg.Delivery.Timeout = c.Delivery.Timeout
	cfg.Delivery.Expiry = c.Delivery.Expiry
	cfg.Delivery.EnableRetries = c.Delivery.EnableRetries
	return cfg, nil
}

// Publisher pushes a persisted notification to connected clients
type Publisher interface {
	Publish(ctx context.Context, n *models.Notification) error
}

type options struct {
	clock     clock.Clock
	cache     dedup.FingerprintCache
	ceiling   ratelimit.Ceiling
	mirror    delivery.StatusMirror
	journal   delivery.Journal
	publisher Publisher
	gauge     health.ConnectionGauge
}

// Option configures a Pipeline
type Option func(*options)

// WithClock sets the time source shared by every component
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithFingerprintCache replaces the in-process dedup cache
func WithFingerprintCache(c dedup.FingerprintCache) Option {
	return func(o *options) { o.cache = c }
}

// WithCeiling adds a shared per-user budget to the rate limiter
func WithCeiling(c ratelimit.Ceiling) Option {
	return func(o *options) { o.ceiling = c }
}

// WithStatusMirror mirrors delivery status to a shared cache
func WithStatusMirror(m delivery.StatusMirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithJournal journals pending delivery attempts
func WithJournal(j delivery.Journal) Option {
	return func(o *options) { o.journal = j }
}

// WithPublisher publishes persisted notifications in real time
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithConnectionGauge reports live connections to the health monitor
func WithConnectionGauge(g health.ConnectionGauge) Option {
	return func(o *options) { o.gauge = g }
}

// Result describes what Create did with a request
type Result struct {
	NotificationID string `json:"notificationId,omitempty"`
	AttemptID      string `json:"attemptId,omitempty"`
	Batched        bool   `json:"batched"`
}

// Pipeline is the notification creation path
type Pipeline struct {
	cfg   Config
	store store.Store

	limiter  *ratelimit.Limiter
	dedup    *dedup.Deduplicator
	batches  *batch.Manager
	delivery *delivery.Manager
	health   *health.Monitor
	system   *SystemChannel

	publisher Publisher
	bulk      *rate.Limiter
	users     userLocks
	clock     clock.Clock
	logger    *logrus.Logger
}

// New builds every component over st and wires them together
func New(cfg Config, st store.Store, logger *logrus.Logger, opts ...Option) *Pipeline {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := clock.OrReal(o.clock)

	if cfg.Policy == "" {
		cfg.Policy = FailOpen
	}
	if cfg.BulkChunkSize <= 0 {
		cfg.BulkChunkSize = 100
	}
	if cfg.BulkRatePerSec <= 0 {
		cfg.BulkRatePerSec = 20
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		publisher: o.publisher,
		bulk:      rate.NewLimiter(rate.Limit(cfg.BulkRatePerSec), 1),
		clock:     c,
		logger:    logger,
	}

	p.system = NewSystemChannel(st, c, logger)

	limiterOpts := []ratelimit.Option{ratelimit.WithClock(c), ratelimit.WithWarner(p.system)}
	if o.ceiling != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithCeiling(o.ceiling))
	}
	p.limiter = ratelimit.New(cfg.RateLimit, logger, limiterOpts...)

	p.dedup = dedup.New(cfg.Dedup, o.cache, st, c, logger)

	deliveryOpts := []delivery.Option{delivery.WithClock(c), delivery.WithDeliveredHook(p.onDelivered)}
	if o.mirror != nil {
		deliveryOpts = append(deliveryOpts, delivery.WithStatusMirror(o.mirror))
	}
	if o.journal != nil {
		deliveryOpts = append(deliveryOpts, delivery.WithJournal(o.journal))
	}
	p.delivery = delivery.New(cfg.Delivery, st, logger, deliveryOpts...)

	p.batches = batch.New(cfg.Batch, st, logger, batch.WithClock(c), batch.WithFlushHook(p.onFlush))

	samplers := []health.Option{
		health.WithClock(c),
		health.WithSampler(health.DeliverySampler(p.delivery)),
		health.WithSampler(health.DedupSampler(p.dedup)),
		health.WithSampler(health.RateLimitSampler(p.limiter)),
	}
	if o.gauge != nil {
		samplers = append(samplers, health.WithSampler(health.ConnectionSampler(o.gauge)))
	}
	p.health = health.New(logger, samplers...)

	return p
}

// Create runs a request through rate limiting and deduplication, then either
// queues it for a digest or writes it through the delivery manager
func (p *Pipeline) Create(ctx context.Context, req models.NotificationRequest) (res Result, err error) {
	start := time.Now()
	defer func() {
		p.health.RecordPerformance("create", time.Since(start), err == nil || IsRejection(err))
	}()

	if req.UserID == "" || req.Type == "" {
		return Result{}, fmt.Errorf("%w: user_id and type are required", ErrInvalidRequest)
	}

	fields := logrus.Fields{
		"user_id": req.UserID,
		"type":    req.Type,
	}

	unlock := p.users.lock(req.UserID)
	defer unlock()

	decision, err := p.limiter.Check(ctx, req.UserID, req.Type, req.ActorID)
	if err != nil {
		if ierr := p.internalError("rate limit check", err, fields); ierr != nil {
			return Result{}, ierr
		}
	} else if !decision.Allowed {
		p.logger.WithFields(fields).WithField("rule", decision.Rule).Debug("Notification rate limited")
		return Result{}, &RateLimitedError{Rule: decision.Rule, Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}

	dup, err := p.dedup.Check(ctx, req.UserID, req.Type, req.EntityID, req.ActorID)
	if err != nil {
		if ierr := p.internalError("duplicate check", err, fields); ierr != nil {
			return Result{}, ierr
		}
	} else if dup.IsDuplicate {
		p.logger.WithFields(fields).WithField("existing_id", dup.ExistingNotificationID).Debug("Duplicate notification skipped")
		return Result{}, &DuplicateError{ExistingID: dup.ExistingNotificationID, Reason: dup.Reason}
	}

	if p.batches.IsBatchable(req.Type) {
		if err := p.batches.Add(ctx, eventFor(req)); err != nil {
			return Result{}, fmt.Errorf("failed to batch notification: %w", err)
		}
		p.limiter.Record(ctx, req.UserID, req.Type, req.ActorID)
		return Result{Batched: true}, nil
	}

	return p.createImmediate(ctx, req)
}

func (p *Pipeline) internalError(step string, err error, fields logrus.Fields) error {
	if p.cfg.Policy == FailClosed {
		p.logger.WithError(err).WithFields(fields).Error("Rejecting notification after " + step + " failure")
		return fmt.Errorf("%w: %s: %v", ErrInternal, step, err)
	}
	p.logger.WithError(err).WithFields(fields).Warn("Continuing after " + step + " failure")
	return nil
}

func eventFor(req models.NotificationRequest) batch.Event {
	return batch.Event{
		UserID:       req.UserID,
		Type:         req.Type,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		ActorID:      req.ActorID,
		ActorName:    req.ActorName,
		ContextTitle: req.ContextTitle,
		Timestamp:    req.Timestamp,
	}
}

// paramsFor fills missing presentation fields from the event templates
func paramsFor(req models.NotificationRequest) models.CreateParams {
	params := req.ToCreateParams()
	if params.Title != "" {
		return params
	}
	tmpl := batch.ImmediateParams(eventFor(req))
	params.Title = tmpl.Title
	if params.Message == "" {
		params.Message = tmpl.Message
	}
	if params.Icon == "" {
		params.Icon = tmpl.Icon
	}
	if params.Priority == "" {
		params.Priority = tmpl.Priority
	}
	return params
}

func (p *Pipeline) createImmediate(ctx context.Context, req models.NotificationRequest) (Result, error) {
	params := paramsFor(req)
	a := p.delivery.Submit(ctx, "", func(ctx context.Context) (string, error) {
		n, err := p.store.CreateNotification(ctx, params)
		if err != nil {
			return "", err
		}
		return n.ID, nil
	})

	res := Result{NotificationID: a.NotificationID, AttemptID: a.ID}
	switch a.Status {
	case delivery.StatusSuccess:
		return res, nil
	case delivery.StatusFailed:
		return res, fmt.Errorf("%w: %s", ErrDeliveryFailed, a.ErrorMessage)
	default:
		return res, fmt.Errorf("%w: %s", ErrDeliveryExpired, a.ErrorMessage)
	}
}

// onDelivered finishes a stored notification, whether it was written on the
// first attempt or by a later retry
func (p *Pipeline) onDelivered(ctx context.Context, a delivery.Attempt) {
	if a.Channel != "" {
		return
	}
	n, err := p.store.GetNotificationByID(ctx, a.NotificationID)
	if err != nil || n == nil {
		p.logger.WithError(err).WithField("notification_id", a.NotificationID).Warn("Delivered notification could not be loaded")
		return
	}

	if err := p.dedup.Register(ctx, n.ID, n.UserID, n.Type, n.EntityID, n.ActorID); err != nil {
		p.logger.WithError(err).WithField("notification_id", n.ID).Warn("Failed to register notification fingerprint")
	}
	p.limiter.Record(ctx, n.UserID, n.Type, n.ActorID)
	p.publish(ctx, n)
}

// onFlush registers and publishes a persisted digest
func (p *Pipeline) onFlush(ctx context.Context, n *models.Notification, size int) {
	if err := p.dedup.Register(ctx, n.ID, n.UserID, n.Type, n.EntityID, ""); err != nil {
		p.logger.WithError(err).WithField("notification_id", n.ID).Warn("Failed to register digest fingerprint")
	}
	p.publish(ctx, n)
}

func (p *Pipeline) publish(ctx context.Context, n *models.Notification) {
	if p.publisher == nil || !p.cfg.PublishRealtime {
		return
	}
	p.delivery.Deliver(ctx, n.ID, func(ctx context.Context) (string, error) {
		if err := p.publisher.Publish(ctx, n); err != nil {
			return "", err
		}
		return n.ID, nil
	}, delivery.WithChannel(RealtimeChannel), delivery.WithVerifyBeforeRetry())
}

// CreateBulk writes the same notification for many users, bypassing rate
// limits and deduplication. Chunks are paced by BulkRatePerSec.
func (p *Pipeline) CreateBulk(ctx context.Context, userIDs []string, req models.NotificationRequest) (created int, err error) {
	start := time.Now()
	defer func() {
		p.health.RecordPerformance("bulk_create", time.Since(start), err == nil)
	}()

	if req.Type == "" {
		return 0, fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	params := paramsFor(req)

	for from := 0; from < len(userIDs); from += p.cfg.BulkChunkSize {
		to := from + p.cfg.BulkChunkSize
		if to > len(userIDs) {
			to = len(userIDs)
		}
		if err := p.bulk.Wait(ctx); err != nil {
			return created, fmt.Errorf("bulk send interrupted: %w", err)
		}
		n, err := p.store.CreateBulkNotifications(ctx, userIDs[from:to], params)
		created += n
		if err != nil {
			return created, fmt.Errorf("failed to create bulk notifications: %w", err)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"type":    req.Type,
		"users":   len(userIDs),
		"created": created,
	}).Info("Bulk notifications created")
	return created, nil
}

// SystemStats gathers the counters of every component
func (p *Pipeline) SystemStats(ctx context.Context) (health.SystemStats, error) {
	ds, err := p.dedup.Stats(ctx)
	if err != nil {
		return health.SystemStats{}, err
	}
	return health.SystemStats{
		Delivery:  p.delivery.Stats(),
		Dedup:     ds,
		RateLimit: p.limiter.Stats(),
	}, nil
}

// Flush writes every pending batch, e.g. before shutdown
func (p *Pipeline) Flush(ctx context.Context) int {
	return p.batches.FlushAll(ctx)
}

// Limiter returns the rate limiter
func (p *Pipeline) Limiter() *ratelimit.Limiter { return p.limiter }

// Deduplicator returns the deduplicator
func (p *Pipeline) Deduplicator() *dedup.Deduplicator { return p.dedup }

// Batches returns the batch manager
func (p *Pipeline) Batches() *batch.Manager { return p.batches }

// Delivery returns the delivery manager
func (p *Pipeline) Delivery() *delivery.Manager { return p.delivery }

// Health returns the health monitor
func (p *Pipeline) Health() *health.Monitor { return p.health }

// Store returns the backing store
func (p *Pipeline) Store() store.Store { return p.store }

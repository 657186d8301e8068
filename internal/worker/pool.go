// Package worker runs notification requests from the queue through the
// pipeline with a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/pipeline"
	"notification-pipeline/pkg/models"
)

// ErrQueueFull is returned by Submit when the job queue has no room
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned once the pool has been stopped
var ErrStopped = errors.New("worker pool is stopped")

// Creator is the part of the pipeline the pool drives
type Creator interface {
	Create(ctx context.Context, req models.NotificationRequest) (pipeline.Result, error)
}

// Outcome is the result of processing one request
type Outcome struct {
	Request     *models.NotificationRequest
	Result      pipeline.Result
	Err         error
	WorkerID    int
	Duration    time.Duration
	ProcessedAt time.Time
}

// Metrics are the pool's counters since start
type Metrics struct {
	Processed   int64 `json:"processed"`
	Batched     int64 `json:"batched"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Duplicates  int64 `json:"duplicates"`
	QueueSize   int   `json:"queue_size"`
}

// Pool represents a worker pool for processing notification requests
type Pool struct {
	workers  int
	jobQueue chan *models.NotificationRequest
	results  chan Outcome
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	creator Creator
	logger  *logrus.Logger

	processed   int64
	batched     int64
	failed      int64
	rateLimited int64
	duplicates  int64
}

// NewPool creates a new worker pool
func NewPool(workers, maxQueueSize int, creator Creator, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 1
	}
	return &Pool{
		workers:  workers,
		jobQueue: make(chan *models.NotificationRequest, maxQueueSize),
		results:  make(chan Outcome, maxQueueSize),
		quit:     make(chan struct{}),
		creator:  creator,
		logger:   logger,
	}
}

// Start starts the workers
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.WithField("workers", p.workers).Info("Worker pool started")
}

// Stop signals the workers and waits for in-flight requests to finish.
// Requests still queued are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool...")
		close(p.quit)
		p.wg.Wait()
		if n := len(p.jobQueue); n > 0 {
			p.logger.WithField("dropped", n).Warn("Worker pool stopped with queued requests")
		}
		p.logger.Info("Worker pool stopped")
	})
}

// Submit queues a request without blocking
func (p *Pool) Submit(req *models.NotificationRequest) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.jobQueue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Feed moves requests from in to the job queue until in closes, ctx ends or
// the pool stops. It blocks while the queue is full so the source slows down.
func (p *Pool) Feed(ctx context.Context, in <-chan *models.NotificationRequest) {
	for {
		select {
		case req, ok := <-in:
			if !ok {
				return
			}
			select {
			case p.jobQueue <- req:
			case <-ctx.Done():
				return
			case <-p.quit:
				return
			}
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		}
	}
}

// Results returns processed outcomes. Outcomes are dropped when nobody reads.
func (p *Pool) Results() <-chan Outcome {
	return p.results
}

// Metrics returns current counters
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&p.processed),
		Batched:     atomic.LoadInt64(&p.batched),
		Failed:      atomic.LoadInt64(&p.failed),
		RateLimited: atomic.LoadInt64(&p.rateLimited),
		Duplicates:  atomic.LoadInt64(&p.duplicates),
		QueueSize:   len(p.jobQueue),
	}
}

// QueueSize returns the current size of the job queue
func (p *Pool) QueueSize() int {
	return len(p.jobQueue)
}

// IsHealthy reports whether the pool still accepts work
func (p *Pool) IsHealthy() error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
		return nil
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	p.logger.WithField("worker", workerID).Debug("Worker started")
	defer p.logger.WithField("worker", workerID).Debug("Worker stopped")

	for {
		select {
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		case req := <-p.jobQueue:
			if req == nil {
				continue
			}
			p.process(ctx, workerID, req)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, req *models.NotificationRequest) {
	start := time.Now()
	res, err := p.creator.Create(ctx, *req)

	fields := logrus.Fields{
		"worker": workerID,
		"userId": req.UserID,
		"type":   req.Type,
	}

	var limited *pipeline.RateLimitedError
	var duplicate *pipeline.DuplicateError
	switch {
	case err == nil && res.Batched:
		atomic.AddInt64(&p.batched, 1)
		p.logger.WithFields(fields).Debug("Request batched")
	case err == nil:
		atomic.AddInt64(&p.processed, 1)
		p.logger.WithFields(fields).WithField("notificationId", res.NotificationID).Debug("Notification created")
	case errors.As(err, &limited):
		atomic.AddInt64(&p.rateLimited, 1)
		p.logger.WithFields(fields).WithField("rule", limited.Rule).Info("Request rate limited")
	case errors.As(err, &duplicate):
		atomic.AddInt64(&p.duplicates, 1)
		p.logger.WithFields(fields).WithField("existingId", duplicate.ExistingID).Debug("Duplicate request dropped")
	default:
		atomic.AddInt64(&p.failed, 1)
		p.logger.WithFields(fields).WithError(err).Error("Failed to process notification request")
	}

	outcome := Outcome{
		Request:     req,
		Result:      res,
		Err:         err,
		WorkerID:    workerID,
		Duration:    time.Since(start),
		ProcessedAt: time.Now(),
	}
	select {
	case p.results <- outcome:
	default:
	}
}

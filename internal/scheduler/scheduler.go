// Package scheduler runs the pipeline's periodic maintenance (batch flushes,
// retry ticks, sweeps, health checks) on cron schedules. Each job is a plain
// function, so tests call the component's Tick or Sweep directly instead.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrUnknownJob is returned by RunNow for names that were never registered
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is one unit of periodic work
type JobFunc func(ctx context.Context)

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID cron.EntryID
}

// Entry describes a registered job
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

// Scheduler wraps a cron instance with named jobs
type Scheduler struct {
	mu     sync.Mutex
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job

	ctx    context.Context
	cancel context.CancelFunc

	logger *logrus.Logger
}

// New creates a stopped scheduler
func New(logger *logrus.Logger) *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	return &Scheduler{
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		jobs:   make(map[string]*job),
		logger: logger,
	}
}

// Every registers fn to run at a fixed interval
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.Add(name, "@every "+interval.String(), fn)
}

// Add registers fn under a cron spec
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	spec = strings.TrimSpace(spec)
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, spec: spec, fn: fn}
	id, err := s.c.AddFunc(spec, func() {
		s.run(j)
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j

	s.logger.WithFields(logrus.Fields{
		"job":  name,
		"spec": spec,
	}).Debug("Scheduled job")
	return nil
}

func (s *Scheduler) run(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	j.fn(ctx)
	s.logger.WithFields(logrus.Fields{
		"job":      j.name,
		"duration": time.Since(start).String(),
	}).Trace("Job finished")
}

// RunNow runs a registered job synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	j.fn(ctx)
	return nil
}

// Start begins running jobs. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	s.logger.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// Stop halts scheduling and waits for running jobs until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	stopped := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}

	s.mu.Lock()
	s.cancel()
	s.cancel = nil
	s.ctx = nil
	s.mu.Unlock()

	s.logger.Info("Scheduler stopped")
	return nil
}

// Entries lists registered jobs sorted by name
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.c.Entry(j.entryID)
		out = append(out, Entry{Name: j.name, Spec: j.spec, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}

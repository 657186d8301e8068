// Package health samples the pipeline's counters, derives per-metric status
// and an overall score, and raises alerts for degraded metrics.
package health

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"notification-pipeline/internal/clock"
)

const (
	performanceLogLimit = 1000
	performanceWindow   = time.Hour
)

// Alert is raised when a metric leaves the healthy range
type Alert struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Severity   string                 `json:"severity"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Report is the outcome of one health check
type Report struct {
	Overall         Overall   `json:"overall"`
	Score           int       `json:"score"`
	Metrics         []Metric  `json:"metrics"`
	Alerts          []Alert   `json:"alerts"`
	Recommendations []string  `json:"recommendations"`
	LastChecked     time.Time `json:"lastChecked"`
}

type operation struct {
	name      string
	duration  time.Duration
	success   bool
	timestamp time.Time
}

// Monitor keeps metric state and alerts
type Monitor struct {
	mu       sync.Mutex
	metrics  map[string]*Metric
	sampled  map[string]bool
	order    []string
	alerts   map[string]*Alert
	perfLog  []operation
	samplers []Sampler

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	clock  clock.Clock
	logger *logrus.Logger
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSampler adds a metric source
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.samplers = append(m.samplers, s) }
}

// WithDefinitions replaces the monitored metric set
func WithDefinitions(defs []Definition) Option {
	return func(m *Monitor) { m.define(defs) }
}

// New creates a monitor with the default metric set
func New(logger *logrus.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		alerts: make(map[string]*Alert),
		logger: logger,
	}
	m.define(DefaultDefinitions())
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrReal(m.clock)

	now := m.clock.Now()
	for _, metric := range m.metrics {
		metric.LastUpdated = now
	}
	return m
}

func (m *Monitor) define(defs []Definition) {
	m.metrics = make(map[string]*Metric, len(defs))
	m.sampled = make(map[string]bool, len(defs))
	m.order = m.order[:0]
	for _, d := range defs {
		m.metrics[d.Name] = &Metric{
			Name:           d.Name,
			Status:         StatusHealthy,
			Threshold:      d.Threshold,
			Unit:           d.Unit,
			Description:    d.Description,
			HigherIsBetter: d.HigherIsBetter,
		}
		m.order = append(m.order, d.Name)
	}
}

// Start runs a health check now and then every interval until Stop
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		m.logger.Info("Health monitoring already running")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.PerformHealthCheck(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PerformHealthCheck(ctx)
			}
		}
	}(m.done)

	m.logger.WithField("interval", interval.String()).Info("Notification health monitoring started")
}

// Stop ends periodic checks started by Start
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	<-m.done
	m.running = false
	m.logger.Info("Notification health monitoring stopped")
}

// Running reports whether periodic checks are active
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// RecordPerformance logs one pipeline operation
func (m *Monitor) RecordPerformance(op string, d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.perfLog = append(m.perfLog, operation{name: op, duration: d, success: success, timestamp: m.clock.Now()})
	if len(m.perfLog) > performanceLogLimit {
		m.perfLog = append([]operation(nil), m.perfLog[len(m.perfLog)-performanceLogLimit:]...)
	}
}

// PerformHealthCheck samples every source, refreshes alerts and returns a
// report. A failing or panicking sampler yields a critical report instead.
func (m *Monitor) PerformHealthCheck(ctx context.Context) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			report = m.failedReport(fmt.Errorf("panic: %v", r))
		}
	}()

	values := make(map[string]float64)
	for _, sample := range m.samplers {
		v, err := sample(ctx)
		if err != nil {
			return m.failedReport(err)
		}
		for k, val := range v {
			values[k] = val
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for k, v := range m.performanceValues(now) {
		values[k] = v
	}
	for name, v := range values {
		m.updateMetric(name, v, now)
	}
	m.checkForAlerts(now)

	metrics := m.metricList()
	score := Score(metrics)
	return Report{
		Overall:         OverallFor(score),
		Score:           score,
		Metrics:         metrics,
		Alerts:          m.alertList(false),
		Recommendations: m.recommendations(),
		LastChecked:     now,
	}
}

func (m *Monitor) failedReport(err error) Report {
	m.logger.WithError(err).Error("Health check failed")

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.createAlert(now, "availability", "critical", "Health Check Failed",
		fmt.Sprintf("Health monitoring system encountered an error: %v", err),
		map[string]interface{}{"error": err.Error()})

	return Report{
		Overall:         OverallCritical,
		Score:           0,
		Metrics:         []Metric{},
		Alerts:          m.alertList(false),
		Recommendations: []string{"Health monitoring system needs attention"},
		LastChecked:     now,
	}
}

// performanceValues derives latency, error and creation rates from the last hour
func (m *Monitor) performanceValues(now time.Time) map[string]float64 {
	cutoff := now.Add(-performanceWindow)

	var total time.Duration
	count, failures := 0, 0
	for _, op := range m.perfLog {
		if !op.timestamp.After(cutoff) {
			continue
		}
		count++
		total += op.duration
		if !op.success {
			failures++
		}
	}
	if count == 0 {
		return nil
	}

	avgMillis := float64(total) / float64(count) / float64(time.Millisecond)
	return map[string]float64{
		MetricResponseTime: avgMillis,
		MetricErrorRate:    float64(failures) / float64(count) * 100,
		MetricCreationRate: float64(count) / 60,
	}
}

func (m *Monitor) updateMetric(name string, value float64, now time.Time) {
	metric, ok := m.metrics[name]
	if !ok {
		return
	}
	metric.Value = value
	metric.LastUpdated = now
	m.sampled[name] = true
	metric.Status = evaluate(value, metric.Threshold, metric.HigherIsBetter)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (m *Monitor) checkForAlerts(now time.Time) {
	for _, name := range m.order {
		metric := m.metrics[name]
		switch metric.Status {
		case StatusCritical:
			m.createAlert(now, "performance", "critical", "Critical: "+metric.Name,
				fmt.Sprintf("%s is critical: %s%s", metric.Description, formatValue(metric.Value), metric.Unit),
				map[string]interface{}{"metric": metric.Name, "value": metric.Value, "threshold": metric.Threshold.Critical})
		case StatusWarning:
			m.createAlert(now, "performance", "medium", "Warning: "+metric.Name,
				fmt.Sprintf("%s is degraded: %s%s", metric.Description, formatValue(metric.Value), metric.Unit),
				map[string]interface{}{"metric": metric.Name, "value": metric.Value, "threshold": metric.Threshold.Warning})
		}
	}
}

// createAlert raises an alert unless an unresolved one with the same title
// exists, in which case only its timestamp is refreshed
func (m *Monitor) createAlert(now time.Time, alertType, severity, title, message string, details map[string]interface{}) {
	for _, a := range m.alerts {
		if a.Title == title && !a.Resolved {
			a.Timestamp = now
			return
		}
	}

	raw := fmt.Sprintf("%s_%s_%d", alertType, title, now.UnixMilli())
	id := strings.Join(strings.Fields(raw), "_")
	m.alerts[id] = &Alert{
		ID:        id,
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Context:   details,
	}
	m.logger.WithFields(logrus.Fields{
		"alert_id": id,
		"severity": severity,
	}).Warnf("Alert created: %s - %s", title, message)
}

var criticalRecommendations = map[string]string{
	MetricDeliveryRate:       "Check notification delivery infrastructure and retry mechanisms",
	MetricResponseTime:       "Optimize notification creation and delivery performance",
	MetricErrorRate:          "Investigate and fix notification system errors",
	MetricRateLimitViolation: "Review and adjust rate limiting rules",
}

func (m *Monitor) recommendations() []string {
	out := []string{}
	for _, name := range m.order {
		metric := m.metrics[name]
		if metric.Status != StatusCritical {
			continue
		}
		if rec, ok := criticalRecommendations[name]; ok {
			out = append(out, rec)
		}
	}

	if metric, ok := m.metrics[MetricDeliveryRate]; ok && m.sampled[MetricDeliveryRate] && metric.Value < 95 {
		out = append(out, "Consider implementing additional delivery redundancy")
	}
	if metric, ok := m.metrics[MetricErrorRate]; ok && metric.Value > 2 {
		out = append(out, "Enable detailed error logging and monitoring")
	}
	return out
}

func (m *Monitor) metricList() []Metric {
	out := make([]Metric, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.metrics[name])
	}
	return out
}

func (m *Monitor) alertList(activeOnly bool) []Alert {
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if activeOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ResolveAlert marks an alert resolved. It reports whether the alert existed.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return false
	}
	now := m.clock.Now()
	a.Resolved = true
	a.ResolvedAt = &now
	m.logger.WithField("alert_id", id).Infof("Alert resolved: %s", a.Title)
	return true
}

// ActiveAlerts returns unresolved alerts
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertList(true)
}

// AllAlerts returns every alert still held
func (m *Monitor) AllAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertList(false)
}

// ClearOldAlerts drops resolved alerts resolved more than age ago
func (m *Monitor) ClearOldAlerts(age time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-age)
	removed := 0
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.WithField("removed", removed).Info("Cleaned up old resolved alerts")
	}
	return removed
}

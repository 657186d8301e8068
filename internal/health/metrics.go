package health

import (
	"context"
	"time"

	"notification-pipeline/internal/dedup"
	"notification-pipeline/internal/delivery"
	"notification-pipeline/internal/ratelimit"
)

// Status of a single metric
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Overall status of the system
type Overall string

const (
	OverallHealthy  Overall = "healthy"
	OverallDegraded Overall = "degraded"
	OverallCritical Overall = "critical"
)

// Metric names
const (
	MetricDeliveryRate       = "notification_delivery_rate"
	MetricCreationRate       = "notification_creation_rate"
	MetricDuplicatePrevented = "duplicate_prevention_rate"
	MetricRateLimitViolation = "rate_limit_violations"
	MetricResponseTime       = "average_response_time"
	MetricErrorRate          = "error_rate"
	MetricActiveConnections  = "active_connections"
	MetricPendingRetries     = "pending_retries"
)

// Threshold bounds for warning and critical status
type Threshold struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Definition describes a monitored metric
type Definition struct {
	Name           string
	Unit           string
	Description    string
	Threshold      Threshold
	HigherIsBetter bool
}

// Metric is the current value of a monitored dimension
type Metric struct {
	Name           string    `json:"name"`
	Value          float64   `json:"value"`
	Status         Status    `json:"status"`
	Threshold      Threshold `json:"threshold"`
	Unit           string    `json:"unit"`
	Description    string    `json:"description"`
	HigherIsBetter bool      `json:"higherIsBetter"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// DefaultDefinitions returns the built-in metric set
func DefaultDefinitions() []Definition {
	return []Definition{
		{MetricDeliveryRate, "%", "Percentage of notifications successfully delivered", Threshold{90, 80}, true},
		{MetricCreationRate, "per_minute", "Rate of notification creation", Threshold{100, 200}, false},
		{MetricDuplicatePrevented, "%", "Percentage of duplicate checks completed without error", Threshold{95, 90}, true},
		{MetricRateLimitViolation, "count", "Number of rate limit violations in last hour", Threshold{10, 25}, false},
		{MetricResponseTime, "ms", "Average notification system response time", Threshold{1000, 3000}, false},
		{MetricErrorRate, "%", "Percentage of operations resulting in errors", Threshold{5, 10}, false},
		{MetricActiveConnections, "count", "Number of active real-time connections", Threshold{1000, 2000}, false},
		{MetricPendingRetries, "count", "Number of notifications pending retry", Threshold{50, 100}, false},
	}
}

// evaluate derives a status from value and thresholds
func evaluate(value float64, t Threshold, higherIsBetter bool) Status {
	if higherIsBetter {
		switch {
		case value >= t.Warning:
			return StatusHealthy
		case value >= t.Critical:
			return StatusWarning
		default:
			return StatusCritical
		}
	}
	switch {
	case value <= t.Warning:
		return StatusHealthy
	case value <= t.Critical:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func statusScore(s Status) int {
	switch s {
	case StatusHealthy:
		return 100
	case StatusWarning:
		return 60
	case StatusCritical:
		return 20
	}
	return 0
}

// Score averages per-metric scores (100, 60, 20) and rounds to the nearest integer
func Score(metrics []Metric) int {
	if len(metrics) == 0 {
		return 0
	}
	total := 0
	for _, m := range metrics {
		total += statusScore(m.Status)
	}
	n := len(metrics)
	return (2*total + n) / (2 * n)
}

// OverallFor maps a score to an overall status
func OverallFor(score int) Overall {
	switch {
	case score >= 80:
		return OverallHealthy
	case score >= 50:
		return OverallDegraded
	default:
		return OverallCritical
	}
}

// Sampler returns fresh values for some metrics. Names it does not return
// keep their previous value.
type Sampler func(ctx context.Context) (map[string]float64, error)

// DeliverySource exposes delivery counters
type DeliverySource interface {
	Stats() delivery.Stats
}

// DedupSource exposes deduplicator counters
type DedupSource interface {
	Stats(ctx context.Context) (dedup.Stats, error)
}

// RateLimitSource exposes rate limiter counters
type RateLimitSource interface {
	Stats() ratelimit.Stats
}

// ConnectionGauge counts live realtime connections
type ConnectionGauge interface {
	ActiveConnections() int
}

// DeliverySampler reports delivery rate and pending retries
func DeliverySampler(src DeliverySource) Sampler {
	return func(ctx context.Context) (map[string]float64, error) {
		s := src.Stats()
		return map[string]float64{
			MetricDeliveryRate:   s.DeliveryRate(),
			MetricPendingRetries: float64(s.PendingRetries),
		}, nil
	}
}

// DedupSampler reports the duplicate prevention rate
func DedupSampler(src DedupSource) Sampler {
	return func(ctx context.Context) (map[string]float64, error) {
		s, err := src.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]float64{MetricDuplicatePrevented: s.PreventionRate()}, nil
	}
}

// RateLimitSampler reports violations over the last hour
func RateLimitSampler(src RateLimitSource) Sampler {
	return func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{
			MetricRateLimitViolation: float64(src.Stats().ViolationsLastHour),
		}, nil
	}
}

// ConnectionSampler reports live realtime connections
func ConnectionSampler(g ConnectionGauge) Sampler {
	return func(ctx context.Context) (map[string]float64, error) {
		return map[string]float64{MetricActiveConnections: float64(g.ActiveConnections())}, nil
	}
}

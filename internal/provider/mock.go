package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"notification-pipeline/pkg/models"
)

var mockFailures = []string{
	"network timeout",
	"rate limit exceeded",
	"invalid token",
	"service unavailable",
	"message too large",
}

// MockProvider simulates a push channel with configurable success rate and
// latency. Used for local runs without Kafka and in tests.
type MockProvider struct {
	name          string
	successRate   float64
	avgLatency    time.Duration
	latencyJitter time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	healthy bool
	sent    []string
}

// NewMockProvider creates a mock provider. successRate is between 0 and 1.
func NewMockProvider(name string, successRate float64, avgLatency, latencyJitter time.Duration) *MockProvider {
	return &MockProvider{
		name:          name,
		successRate:   successRate,
		avgLatency:    avgLatency,
		latencyJitter: latencyJitter,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		healthy:       true,
	}
}

// Name returns the provider name
func (mp *MockProvider) Name() string {
	return mp.name
}

// Publish simulates pushing n to the user's devices
func (mp *MockProvider) Publish(ctx context.Context, n *models.Notification) error {
	mp.mu.Lock()
	latency := mp.avgLatency
	if mp.latencyJitter > 0 {
		latency += time.Duration(mp.rng.Int63n(int64(mp.latencyJitter)))
	}
	ok := mp.rng.Float64() < mp.successRate
	failure := mockFailures[mp.rng.Intn(len(mockFailures))]
	mp.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !ok {
		return errors.New(failure)
	}

	mp.mu.Lock()
	mp.sent = append(mp.sent, n.ID)
	mp.mu.Unlock()
	return nil
}

// HealthCheck reports the configured health status
func (mp *MockProvider) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if !mp.healthy {
		return fmt.Errorf("provider %s is unhealthy", mp.name)
	}
	return nil
}

// SetHealthStatus controls the result of HealthCheck
func (mp *MockProvider) SetHealthStatus(healthy bool) {
	mp.mu.Lock()
	mp.healthy = healthy
	mp.mu.Unlock()
}

// Sent returns the ids of successfully published notifications
func (mp *MockProvider) Sent() []string {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	out := make([]string, len(mp.sent))
	copy(out, mp.sent)
	return out
}

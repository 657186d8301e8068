// Package provider abstracts the realtime channels a persisted notification
// is pushed through after it is stored.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"notification-pipeline/pkg/models"
)

// ErrNoProviders is returned when the manager has nothing to publish through
var ErrNoProviders = errors.New("no providers available")

// Provider pushes notifications to connected clients
type Provider interface {
	Name() string
	Publish(ctx context.Context, n *models.Notification) error
	HealthCheck(ctx context.Context) error
}

// LoadBalanceStrategy picks a provider for each publish
type LoadBalanceStrategy int

const (
	RoundRobin LoadBalanceStrategy = iota
	Random
	HealthBased
)

// ParseStrategy maps a configured name to a strategy
func ParseStrategy(s string) (LoadBalanceStrategy, error) {
	switch s {
	case "", "round_robin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "health_based":
		return HealthBased, nil
	}
	return 0, fmt.Errorf("unknown load balance strategy %q", s)
}

// Manager balances publishes across providers
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	strategy  LoadBalanceStrategy
	next      uint64
}

// NewManager creates an empty manager
func NewManager(strategy LoadBalanceStrategy) *Manager {
	return &Manager{strategy: strategy}
}

// Add registers a provider
func (pm *Manager) Add(p Provider) {
	pm.mu.Lock()
	pm.providers = append(pm.providers, p)
	pm.mu.Unlock()
}

// Providers returns the registered providers
func (pm *Manager) Providers() []Provider {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]Provider, len(pm.providers))
	copy(out, pm.providers)
	return out
}

// Pick returns a provider according to the strategy
func (pm *Manager) Pick(ctx context.Context) (Provider, error) {
	providers := pm.Providers()
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	switch pm.strategy {
	case RoundRobin:
		i := atomic.AddUint64(&pm.next, 1) - 1
		return providers[i%uint64(len(providers))], nil
	case Random:
		return providers[rand.Intn(len(providers))], nil
	case HealthBased:
		for _, p := range providers {
			if err := p.HealthCheck(ctx); err == nil {
				return p, nil
			}
		}
		return providers[0], nil
	default:
		return providers[0], nil
	}
}

// Publish sends n through the picked provider
func (pm *Manager) Publish(ctx context.Context, n *models.Notification) error {
	p, err := pm.Pick(ctx)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, n); err != nil {
		return fmt.Errorf("provider %s: %w", p.Name(), err)
	}
	return nil
}

// HealthCheckAll checks every provider
func (pm *Manager) HealthCheckAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, p := range pm.Providers() {
		results[p.Name()] = p.HealthCheck(ctx)
	}
	return results
}

// Healthy reports whether at least one provider passes its health check
func (pm *Manager) Healthy(ctx context.Context) error {
	results := pm.HealthCheckAll(ctx)
	if len(results) == 0 {
		return ErrNoProviders
	}
	for _, err := range results {
		if err == nil {
			return nil
		}
	}
	return errors.New("no healthy providers available")
}

package dedup

import (
	"context"
	"sync"
	"time"
)

// Entry is a registered fingerprint
type Entry struct {
	NotificationID string    `json:"notificationId"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

// FingerprintCache maps fingerprints to the notification that claimed them
type FingerprintCache interface {
	Get(ctx context.Context, fingerprint string) (Entry, bool, error)
	Put(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error
	// Sweep drops entries registered before cutoff and returns how many went
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MemoryCache is a process-local FingerprintCache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

// Get looks up a fingerprint
func (c *MemoryCache) Get(ctx context.Context, fingerprint string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fingerprint]
	return e, ok, nil
}

// Put stores a fingerprint. The ttl is ignored; Sweep evicts by age.
func (c *MemoryCache) Put(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[fingerprint] = entry
	c.mu.Unlock()
	return nil
}

// Sweep evicts entries registered before cutoff
func (c *MemoryCache) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if e.RegisteredAt.Before(cutoff) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of cached fingerprints
func (c *MemoryCache) Len(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

// Clear drops everything
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
	return nil
}

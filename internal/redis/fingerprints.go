package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"notification-pipeline/internal/dedup"
)

// FingerprintCache stores dedup fingerprints so every instance sees the same
// registrations. Each entry is a key with its own TTL; a sorted set indexed by
// registration time drives Sweep and Len.
type FingerprintCache struct {
	client *Client
	prefix string
	index  string
}

// NewFingerprintCache creates a cache under the "dedup:" namespace
func NewFingerprintCache(client *Client) *FingerprintCache {
	return &FingerprintCache{
		client: client,
		prefix: "dedup:fp:",
		index:  "dedup:index",
	}
}

func (f *FingerprintCache) key(fingerprint string) string {
	return f.prefix + fingerprint
}

// Get looks up a fingerprint
func (f *FingerprintCache) Get(ctx context.Context, fingerprint string) (dedup.Entry, bool, error) {
	data, err := f.client.client.Get(ctx, f.key(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dedup.Entry{}, false, nil
		}
		return dedup.Entry{}, false, fmt.Errorf("failed to get fingerprint: %w", err)
	}

	var e dedup.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return dedup.Entry{}, false, fmt.Errorf("failed to unmarshal fingerprint: %w", err)
	}
	return e, true, nil
}

// Put stores a fingerprint that expires after ttl
func (f *FingerprintCache) Put(ctx context.Context, fingerprint string, entry dedup.Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint: %w", err)
	}

	pipe := f.client.client.TxPipeline()
	pipe.Set(ctx, f.key(fingerprint), data, ttl)
	pipe.ZAdd(ctx, f.index, &redis.Z{Score: score(entry.RegisteredAt), Member: fingerprint})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store fingerprint: %w", err)
	}
	return nil
}

// Sweep drops fingerprints registered before cutoff
func (f *FingerprintCache) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconv.FormatFloat(score(cutoff), 'f', -1, 64)
	old, err := f.client.client.ZRangeByScore(ctx, f.index, &redis.ZRangeBy{Min: "-inf", Max: "(" + max}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan fingerprints: %w", err)
	}
	if len(old) == 0 {
		return 0, nil
	}
	if err := f.remove(ctx, old); err != nil {
		return 0, err
	}
	return len(old), nil
}

// Len returns the number of indexed fingerprints
func (f *FingerprintCache) Len(ctx context.Context) (int, error) {
	n, err := f.client.client.ZCard(ctx, f.index).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return int(n), nil
}

// Clear drops every fingerprint
func (f *FingerprintCache) Clear(ctx context.Context) error {
	all, err := f.client.client.ZRange(ctx, f.index, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list fingerprints: %w", err)
	}
	if err := f.remove(ctx, all); err != nil {
		return err
	}
	return f.client.client.Del(ctx, f.index).Err()
}

func (f *FingerprintCache) remove(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	members := make([]interface{}, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = f.key(fp)
		members[i] = fp
	}

	pipe := f.client.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, f.index, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove fingerprints: %w", err)
	}
	return nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

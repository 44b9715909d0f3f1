package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/atp-events/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates no usable token is cached for the key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored value could not be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager stores bearer tokens in Redis.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new token cache on top of a Redis client.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Ping checks that Redis is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the cached token for key.
// Returns ErrCacheMiss if the key doesn't exist or the entry has expired.
func (m *Manager) Get(ctx context.Context, key TokenKey) (*TokenEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.TokenCacheTotal.WithLabelValues("miss").Inc()
			return nil, ErrCacheMiss
		}
		metrics.TokenCacheTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry TokenEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		metrics.TokenCacheTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() || entry.AccessToken == "" {
		_ = m.Delete(ctx, key)
		metrics.TokenCacheTotal.WithLabelValues("miss").Inc()
		return nil, ErrCacheMiss
	}

	metrics.TokenCacheTotal.WithLabelValues("hit").Inc()
	return &entry, nil
}

// Set stores entry with a Redis TTL matching its remaining lifetime.
// Entries that are already expired are not stored.
func (m *Manager) Set(ctx context.Context, key TokenKey, entry *TokenEntry) error {
	if entry == nil {
		return fmt.Errorf("token entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal token entry: %w", err)
	}

	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cached token.
func (m *Manager) Delete(ctx context.Context, key TokenKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

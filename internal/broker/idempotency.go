package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/turnpipe/turnpipe/internal/dialogue"
)

// IdempotencyCache stores the Observation produced for a given
// (workspace, request fingerprint) pair so an equal fingerprint within
// the cache TTL replays the original result instead of re-invoking the
// tool. Keyed as `idem:{workspace}:{request_id}` per spec.md §4.5.
type IdempotencyCache interface {
	Get(ctx context.Context, workspaceID, requestID string) (*dialogue.ToolObservation, bool, error)
	Set(ctx context.Context, workspaceID, requestID string, obs dialogue.ToolObservation, ttl time.Duration) error
}

func idempotencyKey(workspaceID, requestID string) string {
	return "idem:" + workspaceID + ":" + requestID
}

// RedisIdempotencyCache backs the idempotency cache with Redis so the
// cache is shared across every broker instance, grounded on the teacher
// framework's core.RedisSchemaCache TTL'd key convention.
type RedisIdempotencyCache struct {
	client *redis.Client
}

// NewRedisIdempotencyCache wraps client.
func NewRedisIdempotencyCache(client *redis.Client) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{client: client}
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, workspaceID, requestID string) (*dialogue.ToolObservation, bool, error) {
	raw, err := c.client.Get(ctx, idempotencyKey(workspaceID, requestID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var obs dialogue.ToolObservation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return nil, false, err
	}
	return &obs, true, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, workspaceID, requestID string, obs dialogue.ToolObservation, ttl time.Duration) error {
	raw, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, idempotencyKey(workspaceID, requestID), raw, ttl).Err()
}

// InMemoryIdempotencyCache is a single-process idempotency cache for
// local development and tests.
type InMemoryIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idemEntry
}

type idemEntry struct {
	obs       dialogue.ToolObservation
	expiresAt time.Time
}

// NewInMemoryIdempotencyCache creates an empty cache.
func NewInMemoryIdempotencyCache() *InMemoryIdempotencyCache {
	return &InMemoryIdempotencyCache{entries: make(map[string]idemEntry)}
}

func (c *InMemoryIdempotencyCache) Get(ctx context.Context, workspaceID, requestID string) (*dialogue.ToolObservation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[idempotencyKey(workspaceID, requestID)]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, idempotencyKey(workspaceID, requestID))
		return nil, false, nil
	}
	obs := entry.obs
	return &obs, true, nil
}

func (c *InMemoryIdempotencyCache) Set(ctx context.Context, workspaceID, requestID string, obs dialogue.ToolObservation, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idempotencyKey(workspaceID, requestID)] = idemEntry{obs: obs, expiresAt: time.Now().Add(ttl)}
	return nil
}

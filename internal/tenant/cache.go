package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/turnpipe/turnpipe/internal/platform/logging"
)

const invalidationChannelPrefix = "tenant:"
const invalidationChannelSuffix = ":invalidate"

func invalidationChannel(workspaceID string) string {
	return invalidationChannelPrefix + workspaceID + invalidationChannelSuffix
}

// CachingStore wraps an underlying Store with a read-mostly in-process
// cache. A Redis pub/sub subscription on `tenant:{id}:invalidate` gives
// every instance a single-writer refresh path: whichever instance
// learns a workspace's config changed publishes an invalidation, and
// every instance (including the publisher) evicts and reloads on next
// read. Grounded on core.RedisSchemaCache's TTL/prefix cache shape,
// adapted to invalidate-on-write instead of TTL expiry since tenant
// config changes are rare and should propagate immediately.
type CachingStore struct {
	inner  Store
	redis  *redis.Client
	logger logging.Logger

	mu    sync.RWMutex
	cache map[string]*WorkspaceConfig

	cancel context.CancelFunc
}

// NewCachingStore wraps inner with a Redis-invalidated in-process cache.
// If redisClient is nil, invalidation is local-process-only (suitable
// for single-instance deployments and tests).
func NewCachingStore(inner Store, redisClient *redis.Client, logger logging.Logger) *CachingStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &CachingStore{
		inner:  inner,
		redis:  redisClient,
		logger: logger,
		cache:  make(map[string]*WorkspaceConfig),
	}
}

// Start subscribes to the invalidation pattern channel and begins
// evicting cache entries as invalidation messages arrive. A no-op if no
// Redis client was supplied.
func (c *CachingStore) Start(ctx context.Context) {
	if c.redis == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	pubsub := c.redis.PSubscribe(ctx, invalidationChannelPrefix+"*"+invalidationChannelSuffix)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.evict(msg.Payload)
			}
		}
	}()
}

// Stop ends the invalidation subscription.
func (c *CachingStore) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// LoadWorkspaceConfig returns the cached config for workspaceID,
// loading and caching it from the underlying store on a cache miss.
func (c *CachingStore) LoadWorkspaceConfig(ctx context.Context, workspaceID string) (*WorkspaceConfig, error) {
	c.mu.RLock()
	cfg, ok := c.cache[workspaceID]
	c.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := c.inner.LoadWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[workspaceID] = cfg
	c.mu.Unlock()
	return cfg, nil
}

// Invalidate evicts workspaceID from this instance's cache and, if a
// Redis client is configured, publishes the invalidation to every other
// instance subscribed to the workspace's channel.
func (c *CachingStore) Invalidate(ctx context.Context, workspaceID string) error {
	c.evict(workspaceID)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Publish(ctx, invalidationChannel(workspaceID), workspaceID).Err(); err != nil {
		return fmt.Errorf("tenant: publishing invalidation for %s: %w", workspaceID, err)
	}
	return nil
}

func (c *CachingStore) evict(workspaceID string) {
	c.mu.Lock()
	delete(c.cache, workspaceID)
	c.mu.Unlock()
	c.logger.Debug("tenant cache entry invalidated", map[string]interface{}{"workspace_id": workspaceID})
}

// snapshot is used only by tests to assert on cache contents without
// exposing the map directly to callers.
func (c *CachingStore) snapshot() map[string]*WorkspaceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*WorkspaceConfig, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

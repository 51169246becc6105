package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autonome-sdmis/platform/internal/shared/config"
	"github.com/autonome-sdmis/platform/internal/shared/types"
)

// Cache stores resolved roles keyed by session
type Cache interface {
	Get(ctx context.Context, sessionID string) (Roles, bool, error)
	Set(ctx context.Context, sessionID string, userID types.ID, roles Roles) error
	Delete(ctx context.Context, sessionID string) error
	DeleteUser(ctx context.Context, userID types.ID) error
}

// MemoryCache is a process-local Cache. Entries expire after ttl, like
// RedisCache entries do.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	userID    types.ID
	roles     Roles
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache. A ttl <= 0 keeps
// entries until they are deleted.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, sessionID string) (Roles, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return Roles{}, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, sessionID)
		return Roles{}, false, nil
	}
	return e.roles, true, nil
}

func (c *MemoryCache) Set(_ context.Context, sessionID string, userID types.ID, roles Roles) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := memoryEntry{userID: userID, roles: roles}
	if c.ttl > 0 {
		e.expiresAt = now.Add(c.ttl)
		for sid, old := range c.entries {
			if !now.Before(old.expiresAt) {
				delete(c.entries, sid)
			}
		}
	}
	c.entries[sessionID] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
	return nil
}

func (c *MemoryCache) DeleteUser(_ context.Context, userID types.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, sid)
		}
	}
	return nil
}

// RedisCache shares resolved roles between replicas
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a Redis backed cache; entries expire after ttl
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string { return "roles:session:" + sessionID }
func userKey(userID types.ID) string     { return "roles:user:" + userID.String() }

func (c *RedisCache) Get(ctx context.Context, sessionID string) (Roles, bool, error) {
	raw, err := c.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return Roles{}, false, nil
	}
	if err != nil {
		return Roles{}, false, err
	}

	var roles Roles
	if err := json.Unmarshal(raw, &roles); err != nil {
		return Roles{}, false, fmt.Errorf("corrupt cached roles: %w", err)
	}
	return roles, true, nil
}

func (c *RedisCache) Set(ctx context.Context, sessionID string, userID types.ID, roles Roles) error {
	raw, err := json.Marshal(roles)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, sessionKey(sessionID), raw, c.ttl)
	pipe.SAdd(ctx, userKey(userID), sessionID)
	pipe.Expire(ctx, userKey(userID), c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionKey(sessionID)).Err()
}

func (c *RedisCache) DeleteUser(ctx context.Context, userID types.ID) error {
	sessions, err := c.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	keys := make([]string, 0, len(sessions)+1)
	for _, sid := range sessions {
		keys = append(keys, sessionKey(sid))
	}
	keys = append(keys, userKey(userID))
	return c.client.Del(ctx, keys...).Err()
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)

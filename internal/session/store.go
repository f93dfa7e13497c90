package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxplane/voxplane/internal/config"
)

// ErrNotFound is returned by [Store.Get] when no session exists under the
// given id (including sessions expired by TTL).
var ErrNotFound = errors.New("session not found")

// Store is the distributed session store shared by horizontal replicas.
// Entries expire automatically after the configured TTL so orphaned
// sessions do not leak. Implementations must be safe for concurrent use.
type Store interface {
	// Put upserts the session under its id and refreshes the TTL.
	Put(ctx context.Context, s *Session) error

	// Get retrieves a session by id. Returns [ErrNotFound] when absent.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the session and its tenant index entry. Deleting a
	// non-existent session is not an error.
	Delete(ctx context.Context, id string) error

	// ListIDsByTenant returns the ids of all stored sessions for a tenant.
	// Ids whose session entry has since expired may still appear; callers
	// must tolerate Get returning [ErrNotFound] for them.
	ListIDsByTenant(ctx context.Context, tenantID string) ([]string, error)

	// Close releases the underlying connection pool.
	Close() error
}

// Redis key layout. The per-tenant set carries the same TTL as the
// session entries so an idle tenant's index expires with its sessions.
const (
	sessionKeyPrefix = "vox:session:"
	tenantKeyPrefix  = "vox:tenant:"
)

func sessionKey(id string) string      { return sessionKeyPrefix + id }
func tenantKey(tenantID string) string { return tenantKeyPrefix + tenantID }

// opTimeout bounds every individual redis round-trip.
const opTimeout = 2 * time.Second

// RedisStore is the redis-backed [Store] implementation.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redis using cfg and verifies the connection
// with a ping before returning. ttl bounds how long a session entry
// survives without a refreshing Put.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connect %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests with
// miniredis-backed clients.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Put upserts the session and maintains the tenant index atomically.
func (rs *RedisStore) Put(ctx context.Context, s *Session) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.ID), data, rs.ttl)
		pipe.SAdd(ctx, tenantKey(s.Spec.TenantID), s.ID)
		pipe.Expire(ctx, tenantKey(s.Spec.TenantID), rs.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: redis put %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves and decodes a session by id.
func (rs *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := rs.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: redis get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get %s: %w", id, err)
	}
	return Decode(data)
}

// Delete removes the session entry and its tenant index membership. The
// tenant id is read from the stored entry; when the entry has already
// expired only the orphaned index member may remain, which is harmless.
func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := rs.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.SRem(ctx, tenantKey(s.Spec.TenantID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: redis delete %s: %w", id, err)
	}
	return nil
}

// ListIDsByTenant returns the tenant's session id index.
func (rs *RedisStore) ListIDsByTenant(ctx context.Context, tenantID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := rs.client.SMembers(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis list tenant %s: %w", tenantID, err)
	}
	return ids, nil
}

// Close releases the connection pool.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// Ping verifies the store is reachable. Used by the runtime's startup
// check and health endpoint.
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

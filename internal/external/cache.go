package external

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"conversation-engine/backend/pkg/cache"
	"conversation-engine/backend/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// IdentityStore caches resolved identities by key.
type IdentityStore interface {
	Get(ctx context.Context, key string) (*Identity, bool, error)
	Set(ctx context.Context, key string, ident *Identity, ttl time.Duration) error
}

type identityResolver interface {
	Resolve(ctx context.Context, tenantID, address string) (*Identity, error)
}

// CachedIdentity puts a store in front of an identity resolver. Store
// failures fall through to the resolver.
type CachedIdentity struct {
	next  identityResolver
	store IdentityStore
	ttl   time.Duration
	log   *logger.Logger
}

func NewCachedIdentity(next identityResolver, store IdentityStore, ttl time.Duration, log *logger.Logger) *CachedIdentity {
	return &CachedIdentity{next: next, store: store, ttl: ttl, log: log}
}

func identityKey(tenantID, address string) string {
	return "identity:" + tenantID + ":" + address
}

func (c *CachedIdentity) Resolve(ctx context.Context, tenantID, address string) (*Identity, error) {
	key := identityKey(tenantID, address)
	ident, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.LogError(err, "identity cache read failed", "tenant_id", tenantID)
	}
	if ok {
		return ident, nil
	}

	ident, err = c.next.Resolve(ctx, tenantID, address)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, ident, c.ttl); err != nil {
		c.log.LogError(err, "identity cache write failed", "tenant_id", tenantID)
	}
	return ident, nil
}

// MemoryIdentityStore keeps identities in process.
type MemoryIdentityStore struct {
	c *cache.Cache
}

func NewMemoryIdentityStore(c *cache.Cache) *MemoryIdentityStore {
	return &MemoryIdentityStore{c: c}
}

func (s *MemoryIdentityStore) Get(_ context.Context, key string) (*Identity, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	ident, ok := v.(*Identity)
	return ident, ok, nil
}

func (s *MemoryIdentityStore) Set(_ context.Context, key string, ident *Identity, ttl time.Duration) error {
	s.c.SetWithTTL(key, ident, ttl)
	return nil
}

// RedisIdentityStore shares identities across server replicas.
type RedisIdentityStore struct {
	client redis.UniversalClient
}

func NewRedisIdentityStore(client redis.UniversalClient) *RedisIdentityStore {
	return &RedisIdentityStore{client: client}
}

func (s *RedisIdentityStore) Get(ctx context.Context, key string) (*Identity, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ident Identity
	if err := json.Unmarshal(raw, &ident); err != nil {
		return nil, false, err
	}
	return &ident, true, nil
}

func (s *RedisIdentityStore) Set(ctx context.Context, key string, ident *Identity, ttl time.Duration) error {
	raw, err := json.Marshal(ident)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

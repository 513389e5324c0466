package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLCache is the interface both the in-process Cache and RedisTTLCache
// satisfy, so callers (internal/apptoken, internal/jwtkeys,
// internal/groupresolve) can be built against either backend without code
// changes — mirroring spec.md §9's "two trait implementations, both MUST
// pass the same test suite" requirement for pluggable backends.
type TTLCache[K comparable, V any] interface {
	Get(key K) (V, bool, bool)
	Set(key K, value V)
	SetNegative(key K)
	Invalidate(key K)
	InvalidateFunc(match func(K) bool)
}

// negativeMarker is stored in redis in place of a real value to represent a
// cached "not found" result, since redis has no notion of a typed negative
// entry the way the in-process map does.
type redisEnvelope[V any] struct {
	Value    V    `json:"value"`
	Negative bool `json:"negative"`
}

// RedisTTLCache backs the same Cache contract with a shared redis instance,
// for deployments running more than one server process where a process-local
// map would cause excess cache misses across instances. K must stringify
// meaningfully via fmt (string, uuid.UUID, etc.).
type RedisTTLCache[K comparable, V any] struct {
	rdb         *redis.Client
	keyPrefix   string
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// NewRedis creates a RedisTTLCache. keyPrefix namespaces keys so multiple
// logical caches can share one redis instance without collisions.
func NewRedis[K comparable, V any](rdb *redis.Client, keyPrefix string, positiveTTL, negativeTTL time.Duration) *RedisTTLCache[K, V] {
	return &RedisTTLCache[K, V]{
		rdb:         rdb,
		keyPrefix:   keyPrefix,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
	}
}

func (c *RedisTTLCache[K, V]) redisKey(key K) string {
	return c.keyPrefix + ":" + toString(key)
}

func (c *RedisTTLCache[K, V]) Get(key K) (V, bool, bool) {
	var zero V
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		return zero, false, false
	}

	var env redisEnvelope[V]
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, false, false
	}
	return env.Value, true, env.Negative
}

func (c *RedisTTLCache[K, V]) Set(key K, value V) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(redisEnvelope[V]{Value: value})
	if err != nil {
		return
	}
	c.rdb.Set(ctx, c.redisKey(key), raw, c.positiveTTL)
}

func (c *RedisTTLCache[K, V]) SetNegative(key K) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := json.Marshal(redisEnvelope[V]{Negative: true})
	if err != nil {
		return
	}
	c.rdb.Set(ctx, c.redisKey(key), raw, c.negativeTTL)
}

func (c *RedisTTLCache[K, V]) Invalidate(key K) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.rdb.Del(ctx, c.redisKey(key))
}

// InvalidateFunc scans every key under this cache's prefix and deletes those
// whose suffix, read back as K, satisfies match. Only meaningful for
// string-keyed caches (the only kind that needs prefix invalidation today —
// per-app cache busting in internal/jwtkeys and internal/apptoken); keys
// whose type isn't K-assignable from string are skipped.
func (c *RedisTTLCache[K, V]) InvalidateFunc(match func(K) bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := c.keyPrefix + ":"
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		suffix := strings.TrimPrefix(full, prefix)
		k, ok := any(suffix).(K)
		if !ok || !match(k) {
			continue
		}
		c.rdb.Del(ctx, full)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if stringer, ok := v.(interface{ String() string }); ok {
		return stringer.String()
	}
	return ""
}

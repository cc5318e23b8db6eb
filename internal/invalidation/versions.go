package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/baasix/querycore/internal/cache"
)

// VersionStore holds one monotonic counter per collection. Unknown
// collections are at version 0.
type VersionStore interface {
	// Bump increments each of colls by one.
	Bump(ctx context.Context, colls ...string) error

	// Get returns the current version of each of colls.
	Get(ctx context.Context, colls []string) (map[string]uint64, error)

	Close() error
}

// OpenVersions picks the version store matching the cache backend: the
// networked backend shares its Redis so every process agrees on versions,
// the others keep versions in process.
//
// The remote KV API has no atomic increment, so the remote-http backend
// also keeps versions in process. Processes sharing one remote KV then see
// each other's writes only through dependency marker eviction, and a
// populate racing a write in another process can be served until its TTL.
// OpenVersions logs a warning on logger when that applies.
func OpenVersions(cfg cache.Config, logger *slog.Logger) VersionStore {
	if cfg.Backend == cache.BackendNetworked && cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisVersions(client, cfg.Redis.Prefix)
	}
	if cfg.Backend == cache.BackendRemoteHTTP && logger != nil {
		logger.Warn("remote-http cache keeps invalidation versions in process; use the networked backend when several processes share the cache",
			"base_url", cfg.HTTP.BaseURL)
	}
	return NewMemoryVersions()
}

// MemoryVersions keeps counters in process. Use it when a single process
// owns the cache.
type MemoryVersions struct {
	counters sync.Map // string -> *atomic.Uint64
}

var _ VersionStore = (*MemoryVersions)(nil)

func NewMemoryVersions() *MemoryVersions { return &MemoryVersions{} }

func (m *MemoryVersions) counter(coll string) *atomic.Uint64 {
	if c, ok := m.counters.Load(coll); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := m.counters.LoadOrStore(coll, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

func (m *MemoryVersions) Bump(_ context.Context, colls ...string) error {
	for _, c := range colls {
		m.counter(c).Add(1)
	}
	return nil
}

func (m *MemoryVersions) Get(_ context.Context, colls []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(colls))
	for _, c := range colls {
		if v, ok := m.counters.Load(c); ok {
			out[c] = v.(*atomic.Uint64).Load()
		} else {
			out[c] = 0
		}
	}
	return out, nil
}

func (m *MemoryVersions) Close() error { return nil }

// RedisVersions keeps counters in Redis under
// prefix+cache.VersionNamespace+collection so every process sharing a
// networked cache sees the same versions. The Redis cache store leaves that
// namespace alone when it flushes.
type RedisVersions struct {
	client redis.UniversalClient
	prefix string
}

var _ VersionStore = (*RedisVersions)(nil)

func NewRedisVersions(client redis.UniversalClient, prefix string) *RedisVersions {
	return &RedisVersions{client: client, prefix: prefix}
}

func (r *RedisVersions) key(coll string) string { return r.prefix + cache.VersionNamespace + coll }

func (r *RedisVersions) Bump(ctx context.Context, colls ...string) error {
	if len(colls) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, c := range colls {
		pipe.Incr(ctx, r.key(c))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bump versions: %w", err)
	}
	return nil
}

func (r *RedisVersions) Get(ctx context.Context, colls []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(colls))
	if len(colls) == 0 {
		return out, nil
	}
	keys := make([]string, len(colls))
	for i, c := range colls {
		keys[i] = r.key(c)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read versions: %w", err)
	}
	for i, c := range colls {
		s, ok := vals[i].(string)
		if !ok {
			out[c] = 0
			continue
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("version of %s: %w", c, err)
		}
		out[c] = v
	}
	return out, nil
}

func (r *RedisVersions) Close() error { return r.client.Close() }

// Package cache stores compiled query results in front of the executor.
//
// Every backend implements Store. Callers use the Cache facade, which
// validates the version vector recorded in each entry against the current
// collection versions and treats any mismatch as a miss. A write that lands
// between the version snapshot and the populate therefore never serves stale
// rows, whatever order invalidation events arrive in.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// ErrBackendUnavailable marks a backend call that failed or timed out. It is
// logged and the call degrades to a miss; it never fails a request.
var ErrBackendUnavailable = errors.New("cache backend unavailable")

// EpochKey is the version-vector entry bumped by a global invalidation.
const EpochKey = "*"

// Entry is one cached result.
type Entry struct {
	Value        []byte            `msgpack:"v"`
	Dependencies []string          `msgpack:"d"`
	Versions     map[string]uint64 `msgpack:"vv"`
	TTL          time.Duration     `msgpack:"ttl"`
	StoredAt     time.Time         `msgpack:"at"`
}

// expired reports whether e outlived its TTL at now. A zero TTL never
// expires.
func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.StoredAt.Add(e.TTL))
}

// Store is the capability every backend provides.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Get returns the entry under key. A missing or expired entry is
	// (nil, false, nil).
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores e under key and records it under each of e.Dependencies.
	Set(ctx context.Context, key string, e *Entry) error

	Delete(ctx context.Context, key string) error

	// DeleteByCollection evicts every entry that lists coll as a
	// dependency.
	DeleteByCollection(ctx context.Context, coll string) error

	// Flush evicts everything.
	Flush(ctx context.Context) error

	Close() error
}

// VersionSource reports the current version of collections.
type VersionSource interface {
	// Snapshot returns the version of each of colls plus EpochKey.
	Snapshot(ctx context.Context, colls []string) (map[string]uint64, error)
}

// Clock abstracts time for expiry.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Cache is the facade the query pipeline talks to. It is safe for
// concurrent use when its Store and VersionSource are.
type Cache struct {
	store    Store
	versions VersionSource
	opts     options
}

// New wraps store. versions may be nil, in which case entries are only
// bounded by their TTL.
func New(store Store, versions VersionSource, opts ...Option) *Cache {
	return &Cache{store: store, versions: versions, opts: buildOptions(opts)}
}

// Store returns the backend behind the facade.
func (c *Cache) Store() Store { return c.store }

// DefaultTTL is the TTL used when Set is called with ttl 0.
func (c *Cache) DefaultTTL() time.Duration { return c.opts.ttl }

// Get returns the cached entry for key when it exists and every dependency
// is still at the version recorded when it was stored.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	backend := c.store.Name()
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.bypass("get", key, err)
		return nil, false
	}
	if !ok {
		lookups.WithLabelValues(backend, "miss").Inc()
		return nil, false
	}

	if c.versions != nil {
		current, err := c.versions.Snapshot(ctx, e.Dependencies)
		if err != nil {
			c.bypass("versions", key, err)
			return nil, false
		}
		if !sameVersions(e.Versions, current) {
			lookups.WithLabelValues(backend, "stale").Inc()
			c.opts.logger.Debug("cache entry stale", "key", key)
			if err := c.store.Delete(ctx, key); err != nil {
				c.bypass("delete", key, err)
			}
			return nil, false
		}
	}

	lookups.WithLabelValues(backend, "hit").Inc()
	return e, true
}

// Set stores value under key. versions must be the snapshot taken before
// the value was computed. A ttl of 0 uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, deps []string, versions map[string]uint64, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.opts.ttl
	}
	e := &Entry{
		Value:        value,
		Dependencies: normalizeDeps(deps),
		Versions:     versions,
		TTL:          ttl,
		StoredAt:     c.opts.clock.Now(),
	}
	if err := c.store.Set(ctx, key, e); err != nil {
		c.bypass("set", key, err)
		return
	}
	sets.WithLabelValues(c.store.Name()).Inc()
}

// Delete evicts key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.bypass("delete", key, err)
	}
}

// DeleteByCollection evicts every entry depending on coll.
func (c *Cache) DeleteByCollection(ctx context.Context, coll string) {
	if err := c.store.DeleteByCollection(ctx, coll); err != nil {
		c.bypass("delete_by_collection", coll, err)
	}
}

// Flush evicts everything.
func (c *Cache) Flush(ctx context.Context) {
	if err := c.store.Flush(ctx); err != nil {
		c.bypass("flush", "", err)
	}
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) bypass(op, key string, err error) {
	logBypass(c.opts.logger, c.store.Name(), op, key, err)
}

func logBypass(logger *slog.Logger, backend, op, key string, err error) {
	failures.WithLabelValues(backend, op).Inc()
	if !errors.Is(err, ErrBackendUnavailable) {
		err = errors.Join(ErrBackendUnavailable, err)
	}
	logger.Warn("cache bypassed", "backend", backend, "op", op, "key", key, "error", err)
}

// sameVersions reports whether every version recorded at populate time is
// still current. A dependency missing from the recording counts as changed.
func sameVersions(recorded, current map[string]uint64) bool {
	if len(recorded) < len(current) {
		return false
	}
	for k, v := range current {
		got, ok := recorded[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

func normalizeDeps(deps []string) []string {
	out := append([]string(nil), deps...)
	sort.Strings(out)
	n := 0
	for i, d := range out {
		if i > 0 && d == out[n-1] {
			continue
		}
		out[n] = d
		n++
	}
	return out[:n]
}

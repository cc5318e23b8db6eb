package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qtest "github.com/baasix/querycore/internal/testutil"
)

// versions is a VersionSource over a plain map.
type versions struct {
	mu sync.Mutex
	v  map[string]uint64
}

func newVersions() *versions { return &versions{v: map[string]uint64{}} }

func (s *versions) bump(coll string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v[coll]++
}

func (s *versions) Snapshot(_ context.Context, colls []string) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]uint64{EpochKey: s.v[EpochKey]}
	for _, c := range colls {
		out[c] = s.v[c]
	}
	return out, nil
}

// broken fails every call.
type broken struct{ err error }

func (b broken) Name() string { return "broken" }
func (b broken) Get(context.Context, string) (*Entry, bool, error) {
	return nil, false, b.err
}
func (b broken) Set(context.Context, string, *Entry) error        { return b.err }
func (b broken) Delete(context.Context, string) error             { return b.err }
func (b broken) DeleteByCollection(context.Context, string) error { return b.err }
func (b broken) Flush(context.Context) error                      { return b.err }
func (b broken) Close() error                                     { return nil }

// slow blocks until the context is done.
type slow struct{ broken }

func (slow) Get(ctx context.Context, _ string) (*Entry, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func newFacade(t *testing.T, vs VersionSource) *Cache {
	t.Helper()
	m, err := NewMemory(100)
	require.NoError(t, err)
	return New(m, vs, WithClock(qtest.NewFixedClock(qtest.Epoch)), WithDefaultTTL(time.Hour))
}

func populate(t *testing.T, c *Cache, vs VersionSource, key string, deps ...string) {
	t.Helper()
	snap, err := vs.Snapshot(context.Background(), deps)
	require.NoError(t, err)
	c.Set(context.Background(), key, []byte("rows"), deps, snap, 0)
}

func TestCacheHitAndDefaults(t *testing.T) {
	ctx := context.Background()
	vs := newVersions()
	c := newFacade(t, vs)

	hits := testutil.ToFloat64(lookups.WithLabelValues("memory", "hit"))
	populate(t, c, vs, "qc:posts:1", "users", "posts", "users")

	e, ok := c.Get(ctx, "qc:posts:1")
	require.True(t, ok)
	assert.Equal(t, "rows", string(e.Value))
	assert.Equal(t, []string{"posts", "users"}, e.Dependencies)
	assert.Equal(t, time.Hour, e.TTL)
	assert.Equal(t, qtest.Epoch, e.StoredAt)
	assert.Equal(t, hits+1, testutil.ToFloat64(lookups.WithLabelValues("memory", "hit")))
}

func TestCacheVersionMismatchIsMiss(t *testing.T) {
	ctx := context.Background()
	vs := newVersions()
	c := newFacade(t, vs)

	populate(t, c, vs, "qc:order_items:1", "order_items", "orders")
	populate(t, c, vs, "qc:tags:1", "tags")

	stale := testutil.ToFloat64(lookups.WithLabelValues("memory", "stale"))
	vs.bump("orders")

	_, ok := c.Get(ctx, "qc:order_items:1")
	assert.False(t, ok)
	assert.Equal(t, stale+1, testutil.ToFloat64(lookups.WithLabelValues("memory", "stale")))

	// The stale entry is gone, not just skipped.
	_, ok, _ = c.Store().Get(ctx, "qc:order_items:1")
	assert.False(t, ok)

	_, ok = c.Get(ctx, "qc:tags:1")
	assert.True(t, ok, "unrelated entries survive")

	vs.bump(EpochKey)
	_, ok = c.Get(ctx, "qc:tags:1")
	assert.False(t, ok, "epoch bump invalidates everything")
}

// A writer commits and bumps the version after the reader took its
// snapshot but before it populated. The populated entry must never hit.
func TestCacheStalePopulateRace(t *testing.T) {
	ctx := context.Background()
	vs := newVersions()
	c := newFacade(t, vs)

	snap, err := vs.Snapshot(ctx, []string{"posts"})
	require.NoError(t, err)

	vs.bump("posts")
	c.DeleteByCollection(ctx, "posts") // eviction arrives before the populate

	c.Set(ctx, "qc:posts:1", []byte("old rows"), []string{"posts"}, snap, 0)
	_, ok := c.Get(ctx, "qc:posts:1")
	assert.False(t, ok)
}

func TestCacheWithoutVersionSource(t *testing.T) {
	ctx := context.Background()
	c := newFacade(t, nil)
	c.Set(ctx, "k", []byte("v"), nil, nil, 0)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)
}

func captureLogs() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestGuardedBypassesFailures(t *testing.T) {
	ctx := context.Background()
	logger, buf := captureLogs()
	g := NewGuarded(broken{err: errors.New("connection refused")}, time.Second, WithLogger(logger))

	before := testutil.ToFloat64(failures.WithLabelValues("broken", "get"))
	e, ok, err := g.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, e)
	assert.Equal(t, before+1, testutil.ToFloat64(failures.WithLabelValues("broken", "get")))

	assert.NoError(t, g.Set(ctx, "k", entry("v")))
	assert.NoError(t, g.Delete(ctx, "k"))
	assert.NoError(t, g.DeleteByCollection(ctx, "posts"))
	assert.NoError(t, g.Flush(ctx))

	assert.Contains(t, buf.String(), "cache bypassed")
	assert.Contains(t, buf.String(), ErrBackendUnavailable.Error())
	assert.Contains(t, buf.String(), "connection refused")
}

func TestGuardedTimeout(t *testing.T) {
	logger, buf := captureLogs()
	g := NewGuarded(slow{}, 20*time.Millisecond, WithLogger(logger))

	start := time.Now()
	_, ok, err := g.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, buf.String(), "deadline exceeded")
}

func TestFacadeBypassesUnguardedFailure(t *testing.T) {
	logger, buf := captureLogs()
	c := New(broken{err: errors.New("boom")}, newVersions(), WithLogger(logger))

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	c.Set(context.Background(), "k", []byte("v"), []string{"posts"}, nil, 0)
	assert.Contains(t, buf.String(), "boom")
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{MaxEntries: 5})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Name())

	s, err = Open(Config{Backend: BackendNetworked, Redis: RedisConfig{Addr: "127.0.0.1:1"}, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &Guarded{}, s)
	assert.Equal(t, "networked", s.Name())

	// Nothing listens there; the call degrades to a miss.
	_, ok, err := s.Get(context.Background(), "k")
	assert.NoError(t, err)
	assert.False(t, ok)

	s, err = Open(Config{Backend: BackendRemoteHTTP, HTTP: HTTPConfig{BaseURL: "http://127.0.0.1:1"}})
	require.NoError(t, err)
	assert.Equal(t, "remote-http", s.Name())

	_, err = Open(Config{Backend: BackendNetworked})
	assert.Error(t, err)
	_, err = Open(Config{Backend: "memcached"})
	assert.ErrorContains(t, err, `unknown cache backend "memcached"`)
}

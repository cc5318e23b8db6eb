package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxEntries bounds the in-process backend when no size is
// configured.
const DefaultMaxEntries = 10_000

// Memory is the in-process backend: a bounded LRU with per-entry expiry
// and a collection -> keys dependency index.
type Memory struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, *Entry]
	deps  map[string]map[string]struct{}
	clock Clock
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-process store holding at most maxEntries.
func NewMemory(maxEntries int, opts ...Option) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	o := buildOptions(opts)
	m := &Memory{
		deps:  make(map[string]map[string]struct{}),
		clock: o.clock,
	}
	l, err := simplelru.NewLRU[string, *Entry](maxEntries, m.unindex)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	m.lru = l
	return m, nil
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.clock.Now()) {
		m.lru.Remove(key)
		evictions.WithLabelValues(m.Name(), "expired").Inc()
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (m *Memory) Set(_ context.Context, key string, e *Entry) error {
	stored := *e
	if stored.StoredAt.IsZero() {
		stored.StoredAt = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replacing a key does not fire the evict callback; drop the old
	// dependency links first.
	if old, ok := m.lru.Peek(key); ok {
		m.unindex(key, old)
	}
	if m.lru.Add(key, &stored) {
		evictions.WithLabelValues(m.Name(), "capacity").Inc()
	}
	for _, d := range stored.Dependencies {
		keys, ok := m.deps[d]
		if !ok {
			keys = make(map[string]struct{})
			m.deps[d] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
	return nil
}

func (m *Memory) DeleteByCollection(_ context.Context, coll string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.deps[coll]))
	for k := range m.deps[coll] {
		keys = append(keys, k)
	}
	for _, k := range keys {
		m.lru.Remove(k)
	}
	delete(m.deps, coll)
	return nil
}

func (m *Memory) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.deps = make(map[string]map[string]struct{})
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// unindex is the LRU evict callback. It runs with m.mu held.
func (m *Memory) unindex(key string, e *Entry) {
	for _, d := range e.Dependencies {
		keys := m.deps[d]
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.deps, d)
		}
	}
}

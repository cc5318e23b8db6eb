// Package invalidation keeps cached query results consistent with writes,
// schema changes and permission changes.
//
// Each collection has a version counter. A write bumps the version of every
// collection in the written collection's closure over the relation graph,
// then evicts their entries. The cache compares those versions against the
// vector stored in each entry, so an entry populated from data read before
// the write can never hit, even if its eviction raced the populate.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/baasix/querycore/internal/cache"
	"github.com/baasix/querycore/internal/schema"
)

// GraphSource provides the relation graph of the current schema version.
type GraphSource interface {
	Graph() *schema.Graph
}

// Evictor drops cache entries. *cache.Cache implements it.
type Evictor interface {
	DeleteByCollection(ctx context.Context, coll string)
	Flush(ctx context.Context)
}

// Bus is safe for concurrent use.
type Bus struct {
	graphs   GraphSource
	versions VersionStore
	evictor  Evictor
	logger   *slog.Logger

	mu       sync.Mutex
	closures closureSet
}

type closureSet struct {
	version uint64
	forward map[string][]string
}

var _ cache.VersionSource = (*Bus)(nil)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithEvictor sets where evictions go. Without one, invalidation relies on
// version checks alone.
func WithEvictor(e Evictor) Option {
	return func(b *Bus) { b.evictor = e }
}

// New creates a bus over the schema's relation graph.
func New(graphs GraphSource, versions VersionStore, opts ...Option) *Bus {
	b := &Bus{graphs: graphs, versions: versions, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetEvictor attaches the cache after construction. The cache validates
// against the bus and the bus evicts from the cache, so one of them is
// wired second.
func (b *Bus) SetEvictor(e Evictor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictor = e
}

// Closure returns coll and every collection reachable from it over
// relation edges, sorted. Results are memoized per schema version.
func (b *Bus) Closure(coll string) []string {
	g := b.graphs.Graph()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closures.forward == nil || b.closures.version != g.Version() {
		b.closures = closureSet{version: g.Version(), forward: make(map[string][]string)}
		if cycles := g.Cycles(); len(cycles) > 0 {
			b.logger.Debug("relation graph has cycles", "version", g.Version(), "count", len(cycles))
		}
	}
	if c, ok := b.closures.forward[coll]; ok {
		return c
	}
	c := g.Reachable(coll)
	b.closures.forward[coll] = c
	return c
}

func (b *Bus) currentEvictor() Evictor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictor
}

// Snapshot returns the versions of colls and the global epoch. Callers
// take it before reading from the store and store it with the result.
func (b *Bus) Snapshot(ctx context.Context, colls []string) (map[string]uint64, error) {
	keys := make([]string, 0, len(colls)+1)
	keys = append(keys, colls...)
	keys = append(keys, cache.EpochKey)
	return b.versions.Get(ctx, keys)
}

// OnWrite records a committed write to coll.
func (b *Bus) OnWrite(ctx context.Context, coll string) error {
	return b.invalidate(ctx, "write", b.Closure(coll))
}

// InvalidateCollection is OnWrite for callers that bypass the write hook,
// such as bulk imports.
func (b *Bus) InvalidateCollection(ctx context.Context, coll string) error {
	return b.invalidate(ctx, "collection", b.Closure(coll))
}

// OnSchemaChange invalidates every collection whose cached shape may
// involve coll: those it reaches and those reaching it.
func (b *Bus) OnSchemaChange(ctx context.Context, coll string) error {
	g := b.graphs.Graph()
	affected := union(g.Reachable(coll), g.Reaching(coll))
	return b.invalidate(ctx, "schema", affected)
}

// OnPermissionChange invalidates colls after a rule change for subject (a
// role or tenant id). With no collections named, everything is
// invalidated.
func (b *Bus) OnPermissionChange(ctx context.Context, subject string, colls ...string) error {
	if len(colls) == 0 {
		b.logger.Info("permission change invalidates all", "subject", subject)
		return b.InvalidateAll(ctx)
	}
	b.logger.Info("permission change", "subject", subject, "collections", colls)
	return b.invalidate(ctx, "permission", union(colls))
}

// InvalidateAll bumps the global epoch, which makes every entry stale, then
// flushes the cache.
func (b *Bus) InvalidateAll(ctx context.Context) error {
	if err := b.versions.Bump(ctx, cache.EpochKey); err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	if e := b.currentEvictor(); e != nil {
		e.Flush(ctx)
	}
	b.logger.Debug("invalidated all")
	return nil
}

// invalidate bumps before evicting, so a reader that misses the eviction
// still sees the new version.
func (b *Bus) invalidate(ctx context.Context, reason string, colls []string) error {
	if err := b.versions.Bump(ctx, colls...); err != nil {
		return fmt.Errorf("invalidate %v: %w", colls, err)
	}
	if e := b.currentEvictor(); e != nil {
		for _, c := range colls {
			e.DeleteByCollection(ctx, c)
		}
	}
	b.logger.Debug("invalidated", "reason", reason, "collections", colls)
	return nil
}

// union merges sorted or unsorted lists into one sorted, deduplicated list.
func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range lists {
		for _, c := range l {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

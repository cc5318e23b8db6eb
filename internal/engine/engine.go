// Package engine wires the read pipeline together:
//
//	parse -> inject scope -> compile -> derive key -> cache -> executor
//
// and routes write notifications to the invalidation bus. It owns the
// cache and the bus it is given; nothing in the pipeline reaches them
// through globals.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/baasix/querycore/internal/cache"
	"github.com/baasix/querycore/internal/cachekey"
	"github.com/baasix/querycore/internal/invalidation"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/parser"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/querysql"
	"github.com/baasix/querycore/internal/resolver"
	"github.com/baasix/querycore/internal/schema"
)

// Executor runs a compiled query and returns every row, keyed by output
// column.
type Executor interface {
	Run(ctx context.Context, q *queryir.CompiledQuery) ([]map[string]any, error)
}

// ErrNoExecutor is returned by Query on an engine built without an
// executor.
var ErrNoExecutor = errors.New("engine has no executor")

// Request is one read. Filter and the permission rule are raw documents;
// the engine parses them against the caller's accountability.
type Request struct {
	Collection     string
	Filter         *parser.Document
	Fields         []string
	Sort           []queryir.SortKey
	Page           queryir.Pagination
	Cursor         string
	Aggregate      *queryir.Aggregation
	Accountability policy.Accountability

	// NoCache skips both lookup and populate.
	NoCache bool
}

// Plan is a request after every pure stage of the pipeline.
type Plan struct {
	Filter queryir.FilterNode
	Query  *queryir.CompiledQuery
	Key    string
}

// Result is the answer to one Query.
type Result struct {
	RequestID  string
	Rows       []map[string]any
	NextCursor string
	Cached     bool
	Key        string
	Query      *queryir.CompiledQuery
}

// Engine is safe for concurrent use.
type Engine struct {
	schemas     schema.Manager
	resolver    *resolver.Resolver
	parser      *parser.Parser
	compiler    *querysql.Compiler
	executor    Executor
	cache       *cache.Cache
	bus         *invalidation.Bus
	permissions PermissionSource
	clock       parser.Clock
	ids         IDGenerator
	logger      *slog.Logger

	maxDepth int
	dialect  operator.Dialect
	geometry bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDepth caps relation path length.
func WithMaxDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// WithDialect selects the SQL flavor. Default SQLite.
func WithDialect(d operator.Dialect) Option {
	return func(e *Engine) { e.dialect = d }
}

// WithGeometry enables geospatial operators.
func WithGeometry(enabled bool) Option {
	return func(e *Engine) { e.geometry = enabled }
}

// WithPermissions sets where per-role permission rules come from.
func WithPermissions(p PermissionSource) Option {
	return func(e *Engine) { e.permissions = p }
}

// WithClock sets the clock $NOW variables resolve against.
func WithClock(c parser.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithIDGenerator sets the request id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithLogger sets the logger for the engine and the stages it builds.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine over schemas. executor, c and bus may each be nil:
// without an executor only Plan works, without a cache every Query runs,
// and without a bus cached entries are bounded by TTL alone.
func New(schemas schema.Manager, executor Executor, c *cache.Cache, bus *invalidation.Bus, opts ...Option) *Engine {
	e := &Engine{
		schemas:     schemas,
		executor:    executor,
		cache:       c,
		bus:         bus,
		permissions: RolePermissions(nil),
		clock:       parser.SystemClock{},
		ids:         UUIDv7Generator{},
		logger:      slog.Default(),
		dialect:     operator.SQLite,
	}
	for _, opt := range opts {
		opt(e)
	}

	resOpts := []resolver.Option{resolver.WithLogger(e.logger)}
	if e.maxDepth > 0 {
		resOpts = append(resOpts, resolver.WithMaxDepth(e.maxDepth))
	}
	e.resolver = resolver.New(schemas, resOpts...)
	e.parser = parser.New(e.resolver, parser.WithLogger(e.logger))
	e.compiler = querysql.New(e.resolver,
		querysql.WithDialect(e.dialect),
		querysql.WithGeometry(e.geometry),
		querysql.WithLogger(e.logger))
	return e
}

// Compiler returns the compiler the engine uses.
func (e *Engine) Compiler() *querysql.Compiler { return e.compiler }

// Plan runs the pure stages: parse, scope, compile and key derivation.
func (e *Engine) Plan(req Request) (*Plan, error) {
	coll, err := e.schemas.Collection(req.Collection)
	if err != nil {
		return nil, err
	}
	exec := parser.ExecContext{Accountability: req.Accountability, Clock: e.clock}

	user, err := e.parser.Parse(req.Filter, req.Collection, exec)
	if err != nil {
		return nil, err
	}

	var permission queryir.FilterNode
	if doc, ok := e.permissions.Rule(req.Accountability.Role, req.Collection); ok {
		permission, err = e.parser.Parse(doc, req.Collection, exec)
		if err != nil {
			return nil, fmt.Errorf("permission rule for role %q on %s: %w", req.Accountability.Role, req.Collection, err)
		}
	}

	tenant, err := policy.TenantCondition(req.Accountability, coll)
	if err != nil {
		return nil, err
	}
	filter := policy.Inject(user, tenant, permission)

	q, err := e.compiler.Compile(querysql.Request{
		Collection: req.Collection,
		Filter:     filter,
		Fields:     req.Fields,
		Sort:       req.Sort,
		Page:       req.Page,
		Cursor:     req.Cursor,
		Aggregate:  req.Aggregate,
	})
	if err != nil {
		return nil, err
	}

	key, err := cachekey.Derive(cachekey.Input{
		Collection:     req.Collection,
		Filter:         filter,
		Sort:           req.Sort,
		Page:           req.Page,
		Cursor:         req.Cursor,
		Fields:         req.Fields,
		Aggregate:      req.Aggregate,
		Accountability: req.Accountability,
	})
	if err != nil {
		return nil, err
	}
	return &Plan{Filter: filter, Query: q, Key: key}, nil
}

// Query answers req from the cache when a current entry exists, otherwise
// from the executor, populating the cache on the way out.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	id := e.ids.NewID()
	log := e.logger.With("request", id, "collection", req.Collection)

	plan, err := e.Plan(req)
	if err != nil {
		log.Debug("query rejected", "error", err)
		return nil, err
	}
	res := &Result{RequestID: id, Key: plan.Key, Query: plan.Query}
	useCache := e.cache != nil && !req.NoCache

	if useCache {
		if entry, ok := e.cache.Get(ctx, plan.Key); ok {
			rows, err := decodeRows(entry.Value)
			if err == nil {
				res.Rows, res.Cached = rows, true
				return e.finish(res, log)
			}
			log.Warn("cached rows unreadable", "key", plan.Key, "error", err)
			e.cache.Delete(ctx, plan.Key)
		}
	}

	if e.executor == nil {
		return nil, ErrNoExecutor
	}

	// Versions are read before the executor so a write committed while it
	// runs leaves the entry stale.
	var versions map[string]uint64
	if useCache && e.bus != nil {
		versions, err = e.bus.Snapshot(ctx, plan.Query.Dependencies)
		if err != nil {
			log.Warn("version snapshot failed, result not cached", "error", err)
			useCache = false
		}
	}

	rows, err := e.executor.Run(ctx, plan.Query)
	if err != nil {
		return nil, fmt.Errorf("execute %s query: %w", req.Collection, err)
	}
	res.Rows = rows

	if useCache {
		data, err := encodeRows(rows)
		if err != nil {
			log.Warn("rows not cacheable", "error", err)
		} else {
			e.cache.Set(ctx, plan.Key, data, plan.Query.Dependencies, versions, 0)
		}
	}
	return e.finish(res, log)
}

func (e *Engine) finish(res *Result, log *slog.Logger) (*Result, error) {
	q := res.Query
	if q.Limit > 0 && len(res.Rows) == q.Limit && len(q.GroupBy) == 0 && q.Offset == 0 {
		next, err := querysql.NextCursor(q, res.Rows[len(res.Rows)-1])
		if err != nil {
			return nil, err
		}
		res.NextCursor = next
	}
	log.Debug("query done", "rows", len(res.Rows), "cached", res.Cached)
	return res, nil
}

// NotifyWrite must be called after a write to coll commits.
func (e *Engine) NotifyWrite(ctx context.Context, coll string) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.OnWrite(ctx, coll)
}

// InvalidateCollection drops cached results touching coll, for writers
// that bypass NotifyWrite.
func (e *Engine) InvalidateCollection(ctx context.Context, coll string) error {
	if e.bus == nil {
		if e.cache != nil {
			e.cache.DeleteByCollection(ctx, coll)
		}
		return nil
	}
	return e.bus.InvalidateCollection(ctx, coll)
}

// InvalidateAll drops every cached result.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	if e.bus == nil {
		if e.cache != nil {
			e.cache.Flush(ctx)
		}
		return nil
	}
	return e.bus.InvalidateAll(ctx)
}

// Close releases the cache backend.
func (e *Engine) Close() error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Close()
}

// Package resolver turns dotted relation paths into relation hops against the
// schema.
//
// Resolution is a pure function of the schema version, so results are cached
// in a bounded LRU keyed on (schema version, root, path, permission flag) and
// shared across requests. A schema change bumps the version and old entries
// simply stop being hit.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/schema"
)

// DefaultMaxDepth is the relation hop limit when none is configured.
const DefaultMaxDepth = 5

// DefaultCacheSize bounds the number of cached resolutions.
const DefaultCacheSize = 4096

// Hop is one relation traversal.
type Hop struct {
	From     string
	Relation schema.Relation
	To       string // resolved target (the chosen one for polymorphic relations)
	Path     string // path prefix ending with this hop, e.g. "author.profile"
}

// Resolution is the result of resolving one path.
//
// Resolutions are shared between callers through the cache and must be
// treated as read-only.
type Resolution struct {
	Root     string
	Path     string
	Hops     []Hop
	JoinType queryir.JoinType

	// Collection holds the final field, or is the final relation's target.
	Collection string

	// Field is the addressed scalar field; nil when the path ends at a
	// relation (EndRelation is set instead).
	Field       *schema.Field
	EndRelation *schema.Relation

	// ToMany is true when any hop can multiply root rows.
	ToMany bool
}

// Column returns the final field name, or "" for relation paths.
func (r *Resolution) Column() string {
	if r.Field == nil {
		return ""
	}
	return r.Field.Name
}

// Options tune a single resolution.
type Options struct {
	// ForPermissionCheck forces INNER JOIN for every hop.
	ForPermissionCheck bool
}

// Resolver resolves and caches relation paths.
type Resolver struct {
	schemas  schema.Manager
	maxDepth int
	cache    *lru.Cache[cacheKey, *Resolution]
	logger   *slog.Logger
}

type cacheKey struct {
	version    uint64
	root       string
	path       string
	permission bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxDepth caps the number of relation hops in one path.
func WithMaxDepth(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithCacheSize sets the LRU capacity.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			c, err := lru.New[cacheKey, *Resolution](n)
			if err == nil {
				r.cache = c
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver over schemas.
func New(schemas schema.Manager, opts ...Option) *Resolver {
	cache, _ := lru.New[cacheKey, *Resolution](DefaultCacheSize)
	r := &Resolver{
		schemas:  schemas,
		maxDepth: DefaultMaxDepth,
		cache:    cache,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxDepth returns the configured hop limit.
func (r *Resolver) MaxDepth() int { return r.maxDepth }

// Schemas returns the schema source the resolver reads.
func (r *Resolver) Schemas() schema.Manager { return r.schemas }

// snapshotter is implemented by schema.Registry; resolving against one
// snapshot keeps every lookup of a path on the same version.
type snapshotter interface {
	Snapshot() *schema.Snapshot
}

// Resolve walks path from root.
//
// Errors: *qerr.CollectionNotFoundError, *qerr.FieldNotFoundError,
// *qerr.AmbiguousRelationError, *qerr.JoinDepthExceededError.
func (r *Resolver) Resolve(root, path string, opts Options) (*Resolution, error) {
	var m schema.Manager = r.schemas
	if s, ok := m.(snapshotter); ok {
		m = s.Snapshot()
	}

	key := cacheKey{version: m.Version(), root: root, path: path, permission: opts.ForPermissionCheck}
	if res, ok := r.cache.Get(key); ok {
		return res, nil
	}

	res, err := r.walk(m, root, path, opts)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, res)
	r.logger.Debug("resolved relation path",
		"root", root,
		"path", path,
		"hops", len(res.Hops),
		"join", res.JoinType.String(),
		"schema_version", key.version)
	return res, nil
}

func (r *Resolver) walk(m schema.Manager, root, path string, opts Options) (*Resolution, error) {
	cur, err := m.Collection(root)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Root: root, Path: path, JoinType: queryir.JoinLeft}
	if opts.ForPermissionCheck {
		res.JoinType = queryir.JoinInner
	}

	notFound := &qerr.FieldNotFoundError{Collection: root, Path: path}
	if path == "" {
		return nil, notFound
	}

	segs := strings.Split(path, ".")
	for i, seg := range segs {
		name, target, hasTarget := strings.Cut(seg, ":")
		if name == "" || (hasTarget && target == "") {
			return nil, notFound
		}
		last := i == len(segs)-1

		if !hasTarget {
			if f, ok := cur.Field(name); ok {
				if !last {
					return nil, notFound
				}
				res.Collection = cur.Name
				res.Field = &f
				return res, nil
			}
		}

		rel, ok := cur.Relation(name)
		if !ok {
			return nil, notFound
		}
		if len(res.Hops)+1 > r.maxDepth {
			return nil, &qerr.JoinDepthExceededError{Path: path, Depth: len(res.Hops) + 1, MaxDepth: r.maxDepth}
		}

		to, err := hopTarget(cur, rel, target, hasTarget)
		if err != nil {
			var ambiguous *qerr.AmbiguousRelationError
			if errors.As(err, &ambiguous) {
				return nil, err
			}
			return nil, notFound
		}

		res.Hops = append(res.Hops, Hop{
			From:     cur.Name,
			Relation: rel,
			To:       to,
			Path:     strings.Join(segs[:i+1], "."),
		})
		if rel.ToMany() {
			res.ToMany = true
		}

		if cur, err = m.Collection(to); err != nil {
			return nil, fmt.Errorf("relation %s.%s: %w", res.Hops[len(res.Hops)-1].From, name, err)
		}
		if last {
			res.Collection = cur.Name
			res.EndRelation = &rel
		}
	}
	return res, nil
}

func hopTarget(cur *schema.Collection, rel schema.Relation, target string, hasTarget bool) (string, error) {
	if rel.Kind == schema.Polymorphic {
		if !hasTarget {
			return "", &qerr.AmbiguousRelationError{Collection: cur.Name, Relation: rel.Name, Targets: rel.Targets}
		}
		if !rel.HasTarget(target) {
			return "", fmt.Errorf("%q is not a target of %s.%s", target, cur.Name, rel.Name)
		}
		return target, nil
	}
	if hasTarget && target != rel.Target {
		return "", fmt.Errorf("%q is not the target of %s.%s", target, cur.Name, rel.Name)
	}
	return rel.Target, nil
}

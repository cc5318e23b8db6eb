package schema

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/baasix/querycore/internal/qerr"
)

// Manager is the read side of the schema consumed by the query pipeline.
type Manager interface {
	// Collection returns the definition of name, or *qerr.CollectionNotFoundError.
	Collection(name string) (*Collection, error)

	// Version increases every time the schema changes.
	Version() uint64
}

// Snapshot is an immutable view of the schema at one version.
type Snapshot struct {
	version     uint64
	collections map[string]*Collection
	graph       *Graph
}

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Collection(name string) (*Collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, &qerr.CollectionNotFoundError{Name: name}
	}
	return c, nil
}

// Names returns the collection names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Graph returns the relation graph of this snapshot.
func (s *Snapshot) Graph() *Graph { return s.graph }

// Registry is a concurrency-safe Manager backed by copy-on-write snapshots.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry holding cols at version 1.
func NewRegistry(cols ...Collection) (*Registry, error) {
	r := &Registry{}
	r.current.Store(&Snapshot{collections: map[string]*Collection{}, graph: newGraph(0, nil)})
	if err := r.Apply(cols...); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRegistry is NewRegistry for static fixtures; it panics on error.
func MustRegistry(cols ...Collection) *Registry {
	r, err := NewRegistry(cols...)
	if err != nil {
		panic(err)
	}
	return r
}

// Snapshot returns the current schema view.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

func (r *Registry) Collection(name string) (*Collection, error) {
	return r.Snapshot().Collection(name)
}

func (r *Registry) Version() uint64 { return r.Snapshot().version }

// Graph returns the relation graph of the current snapshot.
func (r *Registry) Graph() *Graph { return r.Snapshot().graph }

// Apply adds or replaces collections and publishes a new version. The whole
// resulting set is validated; on error nothing changes.
func (r *Registry) Apply(cols ...Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := make(map[string]*Collection, len(prev.collections)+len(cols))
	for name, c := range prev.collections {
		cp := cloneCollection(*c)
		next[name] = &cp
	}
	for i := range cols {
		c := cloneCollection(cols[i])
		next[c.Name] = &c
	}
	return r.publish(prev, next)
}

// Remove drops collections and publishes a new version. Relations that still
// point at a removed collection fail validation.
func (r *Registry) Remove(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := make(map[string]*Collection, len(prev.collections))
	for name, c := range prev.collections {
		cp := cloneCollection(*c)
		next[name] = &cp
	}
	for _, n := range names {
		delete(next, n)
	}
	return r.publish(prev, next)
}

func (r *Registry) publish(prev *Snapshot, next map[string]*Collection) error {
	if err := normalize(next); err != nil {
		return err
	}
	version := prev.version + 1
	r.current.Store(&Snapshot{
		version:     version,
		collections: next,
		graph:       newGraph(version, next),
	})
	return nil
}

func cloneCollection(c Collection) Collection {
	out := c
	out.Fields = make(map[string]Field, len(c.Fields))
	for k, f := range c.Fields {
		if f.Name == "" {
			f.Name = k
		}
		out.Fields[k] = f
	}
	out.Relations = make(map[string]Relation, len(c.Relations))
	for k, rel := range c.Relations {
		if rel.Name == "" {
			rel.Name = k
		}
		rel.Targets = append([]string(nil), rel.Targets...)
		out.Relations[k] = rel
	}
	return out
}

// normalize validates identifiers and relation targets and fills in default
// join columns. It mutates the collections in place, so callers pass clones;
// published snapshots are never written to.
func normalize(cols map[string]*Collection) error {
	names := make([]string, 0, len(cols))
	for n := range cols {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		c := cols[name]
		if err := checkIdent("collection", c.Name); err != nil {
			return err
		}
		if c.PrimaryKey == "" {
			c.PrimaryKey = "id"
		}
		if _, ok := c.Fields[c.PrimaryKey]; !ok {
			return fmt.Errorf("collection %q: primary key %q is not a field", c.Name, c.PrimaryKey)
		}
		if c.TenantField != "" {
			if _, ok := c.Fields[c.TenantField]; !ok {
				return fmt.Errorf("collection %q: tenant field %q is not a field", c.Name, c.TenantField)
			}
		}
		for fname, f := range c.Fields {
			if err := checkIdent("field", fname); err != nil {
				return fmt.Errorf("collection %q: %w", c.Name, err)
			}
			if f.Kind.Class() == 0 {
				return fmt.Errorf("collection %q: field %q has unknown kind %q", c.Name, fname, f.Kind)
			}
		}
	}

	// Relations read target primary keys, so they run after every collection
	// has its defaults.
	for _, name := range names {
		c := cols[name]
		for rname, rel := range c.Relations {
			if err := checkIdent("relation", rname); err != nil {
				return fmt.Errorf("collection %q: %w", c.Name, err)
			}
			if _, clash := c.Fields[rname]; clash {
				return fmt.Errorf("collection %q: relation %q shadows a field", c.Name, rname)
			}
			rel, err := normalizeRelation(c, rel, cols)
			if err != nil {
				return fmt.Errorf("collection %q relation %q: %w", c.Name, rname, err)
			}
			c.Relations[rname] = rel
		}
	}
	return nil
}

func normalizeRelation(c *Collection, rel Relation, cols map[string]*Collection) (Relation, error) {
	requireField := func(coll *Collection, field string) error {
		if _, ok := coll.Fields[field]; !ok {
			return fmt.Errorf("field %q not found on %q", field, coll.Name)
		}
		return nil
	}
	lookup := func(name string) (*Collection, error) {
		t, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("target collection %q not found", name)
		}
		return t, nil
	}

	switch rel.Kind {
	case BelongsTo:
		target, err := lookup(rel.Target)
		if err != nil {
			return rel, err
		}
		if rel.LocalField == "" {
			rel.LocalField = rel.Name + "_id"
		}
		if rel.ForeignField == "" {
			rel.ForeignField = target.PrimaryKey
		}
		if err := requireField(c, rel.LocalField); err != nil {
			return rel, err
		}
		return rel, requireField(target, rel.ForeignField)

	case HasMany:
		target, err := lookup(rel.Target)
		if err != nil {
			return rel, err
		}
		if rel.LocalField == "" {
			rel.LocalField = c.PrimaryKey
		}
		if rel.ForeignField == "" {
			return rel, fmt.Errorf("has_many needs a foreign field")
		}
		if err := requireField(c, rel.LocalField); err != nil {
			return rel, err
		}
		return rel, requireField(target, rel.ForeignField)

	case ManyToMany:
		target, err := lookup(rel.Target)
		if err != nil {
			return rel, err
		}
		junction, err := lookup(rel.Junction)
		if err != nil {
			return rel, err
		}
		if rel.LocalField == "" {
			rel.LocalField = c.PrimaryKey
		}
		if rel.ForeignField == "" {
			rel.ForeignField = target.PrimaryKey
		}
		if rel.JunctionLocal == "" || rel.JunctionForeign == "" {
			return rel, fmt.Errorf("many_to_many needs junction_local and junction_foreign")
		}
		for _, chk := range []struct {
			coll  *Collection
			field string
		}{
			{c, rel.LocalField},
			{target, rel.ForeignField},
			{junction, rel.JunctionLocal},
			{junction, rel.JunctionForeign},
		} {
			if err := requireField(chk.coll, chk.field); err != nil {
				return rel, err
			}
		}
		return rel, nil

	case Polymorphic:
		if len(rel.Targets) == 0 {
			return rel, fmt.Errorf("polymorphic relation needs at least one target")
		}
		if rel.Discriminator == "" {
			rel.Discriminator = rel.Name + "_type"
		}
		if rel.LocalField == "" {
			rel.LocalField = rel.Name + "_id"
		}
		if err := requireField(c, rel.Discriminator); err != nil {
			return rel, err
		}
		if err := requireField(c, rel.LocalField); err != nil {
			return rel, err
		}
		sort.Strings(rel.Targets)
		for _, t := range rel.Targets {
			target, err := lookup(t)
			if err != nil {
				return rel, err
			}
			fk := rel.ForeignField
			if fk == "" {
				fk = target.PrimaryKey
			}
			if err := requireField(target, fk); err != nil {
				return rel, err
			}
		}
		return rel, nil
	}
	return rel, fmt.Errorf("unknown relation kind %q", rel.Kind)
}

// Package querysql compiles filter trees and read requests into
// parameterized SQL for SQLite and Postgres.
//
// Every value reaches the database as a bound parameter. Identifiers come
// from the schema, which only admits plain identifiers, so they are written
// unquoted.
package querysql

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/resolver"
	"github.com/baasix/querycore/internal/schema"
)

// RootAlias is the alias of the queried collection once joins exist.
const RootAlias = "t0"

var (
	// ErrCursorWithAggregate rejects keyset pagination over grouped rows.
	ErrCursorWithAggregate = errors.New("cursor pagination cannot be combined with aggregation")

	// ErrCursorWithOffset rejects a request carrying both a cursor and an offset.
	ErrCursorWithOffset = errors.New("cursor pagination cannot be combined with an offset")
)

// Request is one read against a collection.
type Request struct {
	Collection string
	Filter     queryir.FilterNode

	// Fields lists projected field paths. Empty means every field of the
	// collection (or, with aggregation, the group-by fields).
	Fields []string

	Sort []queryir.SortKey
	Page queryir.Pagination

	// Cursor is a token from EncodeCursor. When set it is decoded against
	// the compiled sort and replaces Page.After.
	Cursor string

	Aggregate *queryir.Aggregation
}

// Compiler turns requests into CompiledQuery plans.
type Compiler struct {
	res      *resolver.Resolver
	dialect  operator.Dialect
	geometry bool
	logger   *slog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithDialect selects the SQL dialect. The default is SQLite.
func WithDialect(d operator.Dialect) Option {
	return func(c *Compiler) { c.dialect = d }
}

// WithGeometry declares that the store has spatial functions, enabling the
// geospatial operators.
func WithGeometry(enabled bool) Option {
	return func(c *Compiler) { c.geometry = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// New creates a compiler resolving relation paths through res.
func New(res *resolver.Resolver, opts ...Option) *Compiler {
	c := &Compiler{res: res, dialect: operator.SQLite, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialect returns the configured dialect.
func (c *Compiler) Dialect() operator.Dialect { return c.dialect }

// Resolver returns the resolver paths are resolved with.
func (c *Compiler) Resolver() *resolver.Resolver { return c.res }

// Compile plans and renders req.
//
// Errors: the qerr validation taxonomy, ErrCursorWithAggregate,
// ErrCursorWithOffset and queryir.ErrCursorMismatch.
func (c *Compiler) Compile(req Request) (*queryir.CompiledQuery, error) {
	coll, err := c.res.Schemas().Collection(req.Collection)
	if err != nil {
		return nil, err
	}
	if req.Page.Limit < 0 || req.Page.Offset < 0 {
		return nil, fmt.Errorf("pagination: limit and offset must not be negative")
	}
	agg := req.Aggregate
	if agg.IsZero() {
		agg = nil
	}
	hasCursor := req.Cursor != "" || len(req.Page.After) > 0
	if hasCursor && agg != nil {
		return nil, ErrCursorWithAggregate
	}
	if hasCursor && req.Page.Offset > 0 {
		return nil, ErrCursorWithOffset
	}

	b := c.newBuild(coll)

	// An aggregate over a to-many filter would count the join fan-out, so
	// the filter moves into a key subquery and the outer query keeps only
	// the joins its projection needs.
	semi := false
	if agg != nil && req.Filter != nil {
		if semi, err = b.touchesToMany(req.Filter); err != nil {
			return nil, err
		}
	}
	collected := req.Filter
	if semi {
		collected = nil
	}
	if err := b.collect(collected, req, agg); err != nil {
		return nil, err
	}
	b.qualify = len(b.joins) > 0

	q := &queryir.CompiledQuery{
		Collection: coll.Name,
		Limit:      req.Page.Limit,
		Offset:     req.Page.Offset,
	}

	if req.Filter != nil {
		var frag operator.Fragment
		if semi {
			frag, err = b.within(req.Filter, " IN ")
		} else {
			frag, err = b.node(req.Filter)
		}
		if err != nil {
			return nil, err
		}
		q.Where, q.WhereParams = frag.SQL, frag.Args
	}

	if agg != nil {
		err = b.aggregateSelect(q, req.Fields, agg)
	} else {
		err = b.plainSelect(q, req.Fields)
	}
	if err != nil {
		return nil, err
	}

	if err := b.order(q, req.Sort, agg); err != nil {
		return nil, err
	}
	q.Distinct = b.toMany && agg == nil

	after := req.Page.After
	if req.Cursor != "" {
		if after, err = queryir.DecodeCursor(q.SortKeys, req.Cursor); err != nil {
			return nil, err
		}
	}
	var cursor operator.Fragment
	if len(after) > 0 {
		if cursor, err = keyset(q.SortKeys, after); err != nil {
			return nil, err
		}
		q.Cursor = after
	}

	q.Joins = b.joins
	q.Dependencies = b.dependencies()
	if err := c.assemble(q, cursor); err != nil {
		return nil, err
	}

	c.logger.Debug("compiled query",
		"collection", q.Collection,
		"joins", len(q.Joins),
		"params", len(q.Args),
		"distinct", q.Distinct)
	return q, nil
}

// assemble renders the statement with squirrel and fills SQL and Args.
func (c *Compiler) assemble(q *queryir.CompiledQuery, cursor operator.Fragment) error {
	from := q.Collection
	if len(q.Joins) > 0 {
		from += " " + RootAlias
	}

	sb := sq.Select(q.Select...).From(from)
	if q.Distinct {
		sb = sb.Distinct()
	}
	for _, j := range q.Joins {
		sb = sb.JoinClause(j.SQL(), j.OnParams...)
	}

	switch {
	case q.Where != "" && cursor.SQL != "":
		args := append(append([]any{}, q.WhereParams...), cursor.Args...)
		sb = sb.Where("("+q.Where+") AND ("+cursor.SQL+")", args...)
	case q.Where != "":
		sb = sb.Where(q.Where, q.WhereParams...)
	case cursor.SQL != "":
		sb = sb.Where(cursor.SQL, cursor.Args...)
	}

	if len(q.GroupBy) > 0 {
		sb = sb.GroupBy(q.GroupBy...)
	}
	if len(q.OrderBy) > 0 {
		sb = sb.OrderBy(q.OrderBy...)
	}
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		sb = sb.Offset(uint64(q.Offset))
	}

	var format sq.PlaceholderFormat = sq.Question
	if c.dialect == operator.Postgres {
		format = sq.Dollar
	}
	sqlText, args, err := sb.PlaceholderFormat(format).ToSql()
	if err != nil {
		return fmt.Errorf("assemble %s query: %w", q.Collection, err)
	}
	q.SQL, q.Args = sqlText, args
	return nil
}

type aliasKey struct {
	path string
	join queryir.JoinType
}

// build is the state of one compilation.
type build struct {
	c       *Compiler
	coll    *schema.Collection
	joins   []queryir.JoinStep
	aliases map[aliasKey]string
	deps    map[string]bool
	toMany  bool
	qualify bool

	// anti holds NOT nodes over to-many paths. They render as a key
	// subquery and contribute no joins to this build.
	anti map[*queryir.Not]bool
}

func (c *Compiler) newBuild(coll *schema.Collection) *build {
	return &build{
		c:       c,
		coll:    coll,
		aliases: make(map[aliasKey]string),
		deps:    map[string]bool{coll.Name: true},
		anti:    make(map[*queryir.Not]bool),
	}
}

// collect resolves every path the request touches so aliases are numbered
// by first use and the join set is known before any column is rendered.
// filter is the part of the request filter rendered with joins.
func (b *build) collect(filter queryir.FilterNode, req Request, agg *queryir.Aggregation) error {
	if err := b.collectFilter(filter); err != nil {
		return err
	}

	outputs := map[string]bool{}
	if agg != nil {
		for _, a := range agg.Funcs {
			outputs[a.OutputName()] = true
		}
	}
	paths := append([]string{}, req.Fields...)
	for _, k := range req.Sort {
		if !outputs[k.Field] {
			paths = append(paths, k.Field)
		}
	}
	if agg != nil {
		paths = append(paths, agg.GroupBy...)
		for _, a := range agg.Funcs {
			if a.Field != "*" {
				paths = append(paths, a.Field)
			}
		}
	}
	for _, p := range paths {
		if _, err := b.scalar(p, resolver.Options{}); err != nil {
			return err
		}
	}
	return nil
}

func (b *build) collectFilter(n queryir.FilterNode) error {
	switch n := n.(type) {
	case *queryir.Leaf:
		opts := resolver.Options{ForPermissionCheck: n.Scoped}
		if _, err := b.scalar(n.Field, opts); err != nil {
			return err
		}
		for _, ref := range columnRefs(n.Value) {
			if _, err := b.scalar(ref, opts); err != nil {
				return err
			}
		}
	case *queryir.And:
		for _, child := range n.Children {
			if err := b.collectFilter(child); err != nil {
				return err
			}
		}
	case *queryir.Or:
		for _, child := range n.Children {
			if err := b.collectFilter(child); err != nil {
				return err
			}
		}
	case *queryir.Not:
		many, err := b.touchesToMany(n.Child)
		if err != nil {
			return err
		}
		if many {
			b.anti[n] = true
			return nil
		}
		return b.collectFilter(n.Child)
	}
	return nil
}

// touchesToMany reports whether any path under n crosses a to-many
// relation.
func (b *build) touchesToMany(n queryir.FilterNode) (bool, error) {
	var many bool
	var err error
	queryir.Walk(n, func(l *queryir.Leaf) {
		if err != nil || many {
			return
		}
		opts := resolver.Options{ForPermissionCheck: l.Scoped}
		for _, p := range append([]string{l.Field}, columnRefs(l.Value)...) {
			var res *resolver.Resolution
			if res, err = b.c.res.Resolve(b.coll.Name, p, opts); err != nil {
				return
			}
			if res.ToMany {
				many = true
				return
			}
		}
	})
	return many, err
}

// within renders "<pk> IN (SELECT t0.<pk> FROM ... WHERE filter)" with op
// as the membership test. The subquery is a build of its own, so its joins
// never multiply the rows of this one.
func (b *build) within(filter queryir.FilterNode, op string) (operator.Fragment, error) {
	sub := b.c.newBuild(b.coll)
	if err := sub.collectFilter(filter); err != nil {
		return operator.Fragment{}, err
	}
	sub.qualify = true
	where, err := sub.node(filter)
	if err != nil {
		return operator.Fragment{}, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s.%s FROM %s %s", RootAlias, b.coll.PrimaryKey, b.coll.Name, RootAlias)
	var args []any
	for _, j := range sub.joins {
		sb.WriteString(" " + j.SQL())
		args = append(args, j.OnParams...)
	}
	sb.WriteString(" WHERE " + where.SQL)
	args = append(args, where.Args...)

	for d := range sub.deps {
		b.deps[d] = true
	}
	return operator.Fragment{SQL: b.pkColumn() + op + "(" + sb.String() + ")", Args: args}, nil
}

func (b *build) pkColumn() string {
	if b.qualify {
		return RootAlias + "." + b.coll.PrimaryKey
	}
	return b.coll.PrimaryKey
}

func columnRefs(v ir.Value) []string {
	switch val := v.(type) {
	case ir.ColumnRef:
		return []string{val.Path}
	case ir.Array:
		var out []string
		for _, e := range val {
			out = append(out, columnRefs(e)...)
		}
		return out
	}
	return nil
}

// scalar resolves a path that must end at a field and registers its joins.
func (b *build) scalar(path string, opts resolver.Options) (*resolver.Resolution, error) {
	res, err := b.c.res.Resolve(b.coll.Name, path, opts)
	if err != nil {
		return nil, err
	}
	if res.Field == nil {
		return nil, &qerr.FieldNotFoundError{Collection: b.coll.Name, Path: path}
	}
	if _, err := b.join(res); err != nil {
		return nil, err
	}
	return res, nil
}

// join registers the hops of res and returns the alias of its last table.
// Steps are shared per (path, join type).
func (b *build) join(res *resolver.Resolution) (string, error) {
	prev := RootAlias
	for _, hop := range res.Hops {
		key := aliasKey{path: hop.Path, join: res.JoinType}
		if alias, ok := b.aliases[key]; ok {
			prev = alias
			continue
		}
		alias, err := b.addHop(hop, prev, res.JoinType)
		if err != nil {
			return "", err
		}
		b.aliases[key] = alias
		prev = alias
	}
	if res.ToMany {
		b.toMany = true
	}
	return prev, nil
}

func (b *build) nextAlias() string {
	return fmt.Sprintf("t%d", len(b.joins)+1)
}

func (b *build) addHop(hop resolver.Hop, prev string, jt queryir.JoinType) (string, error) {
	rel := hop.Relation
	switch rel.Kind {
	case schema.ManyToMany:
		junction := b.nextAlias()
		b.joins = append(b.joins, queryir.JoinStep{
			Table: rel.Junction,
			Alias: junction,
			Type:  jt,
			On:    fmt.Sprintf("%s.%s = %s.%s", junction, rel.JunctionLocal, prev, rel.LocalField),
			Path:  hop.Path + "#",
		})
		b.deps[rel.Junction] = true

		alias := b.nextAlias()
		b.joins = append(b.joins, queryir.JoinStep{
			Table: hop.To,
			Alias: alias,
			Type:  jt,
			On:    fmt.Sprintf("%s.%s = %s.%s", alias, rel.ForeignField, junction, rel.JunctionForeign),
			Path:  hop.Path,
		})
		b.deps[hop.To] = true
		return alias, nil

	case schema.Polymorphic:
		target, err := b.c.res.Schemas().Collection(hop.To)
		if err != nil {
			return "", err
		}
		alias := b.nextAlias()
		b.joins = append(b.joins, queryir.JoinStep{
			Table: hop.To,
			Alias: alias,
			Type:  jt,
			On: fmt.Sprintf("%s.%s = %s.%s AND %s.%s = ?",
				alias, rel.ForeignFieldOn(target), prev, rel.LocalField, prev, rel.Discriminator),
			OnParams: []any{hop.To},
			Path:     hop.Path,
		})
		b.deps[hop.To] = true
		return alias, nil

	default:
		alias := b.nextAlias()
		b.joins = append(b.joins, queryir.JoinStep{
			Table: hop.To,
			Alias: alias,
			Type:  jt,
			On:    fmt.Sprintf("%s.%s = %s.%s", alias, rel.ForeignField, prev, rel.LocalField),
			Path:  hop.Path,
		})
		b.deps[hop.To] = true
		return alias, nil
	}
}

// column returns the column expression of a resolved field path.
func (b *build) column(res *resolver.Resolution) (string, error) {
	alias, err := b.join(res)
	if err != nil {
		return "", err
	}
	if !b.qualify {
		return res.Column(), nil
	}
	return alias + "." + res.Column(), nil
}

func (b *build) columnOf(path string, opts resolver.Options) (string, *resolver.Resolution, error) {
	res, err := b.scalar(path, opts)
	if err != nil {
		return "", nil, err
	}
	col, err := b.column(res)
	return col, res, err
}

func (b *build) dependencies() []string {
	out := make([]string, 0, len(b.deps))
	for d := range b.deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// node renders a filter subtree.
func (b *build) node(n queryir.FilterNode) (operator.Fragment, error) {
	switch n := n.(type) {
	case *queryir.Leaf:
		return b.leaf(n)
	case *queryir.And:
		return b.junction(n.Children, " AND ")
	case *queryir.Or:
		return b.junction(n.Children, " OR ")
	case *queryir.Not:
		if b.anti[n] {
			return b.within(n.Child, " NOT IN ")
		}
		inner, err := b.node(n.Child)
		if err != nil {
			return operator.Fragment{}, err
		}
		return operator.Fragment{SQL: "NOT (" + inner.SQL + ")", Args: inner.Args}, nil
	}
	return operator.Fragment{}, &qerr.FilterSyntaxError{Message: fmt.Sprintf("unknown filter node %T", n)}
}

func (b *build) junction(children []queryir.FilterNode, sep string) (operator.Fragment, error) {
	if len(children) == 0 {
		return operator.Fragment{}, &qerr.FilterSyntaxError{Message: strings.TrimSpace(sep) + " needs at least one condition"}
	}
	parts := make([]string, len(children))
	var args []any
	for i, child := range children {
		frag, err := b.node(child)
		if err != nil {
			return operator.Fragment{}, err
		}
		parts[i] = frag.SQL
		if composite(child) {
			parts[i] = "(" + frag.SQL + ")"
		}
		args = append(args, frag.Args...)
	}
	return operator.Fragment{SQL: strings.Join(parts, sep), Args: args}, nil
}

// composite reports whether n renders as several terms joined by AND/OR.
func composite(n queryir.FilterNode) bool {
	switch n := n.(type) {
	case *queryir.And:
		return len(n.Children) > 1
	case *queryir.Or:
		return len(n.Children) > 1
	}
	return false
}

func (b *build) leaf(l *queryir.Leaf) (operator.Fragment, error) {
	opts := resolver.Options{ForPermissionCheck: l.Scoped}
	col, res, err := b.columnOf(l.Field, opts)
	if err != nil {
		return operator.Fragment{}, err
	}
	op := operator.Get(l.Op)
	if op == nil {
		return operator.Fragment{}, &qerr.FilterSyntaxError{Message: fmt.Sprintf("leaf %q has an undeclared operator", l.Field)}
	}
	ctx := &operator.Context{
		Dialect:  b.c.dialect,
		Column:   col,
		Path:     l.Field,
		Field:    *res.Field,
		Geometry: b.c.geometry,
		Columns: func(path string) (string, error) {
			other, _, err := b.columnOf(path, opts)
			return other, err
		},
	}
	return op.Compile(ctx, l.Value)
}

// selectExpr renders "col" or `col AS "path"` for relation paths.
func selectExpr(col, path string) string {
	if strings.ContainsAny(path, ".:") {
		return fmt.Sprintf("%s AS %q", col, path)
	}
	return col
}

func (b *build) plainSelect(q *queryir.CompiledQuery, fields []string) error {
	if len(fields) == 0 {
		fields = make([]string, 0, len(b.coll.Fields))
		for name := range b.coll.Fields {
			fields = append(fields, name)
		}
		sort.Strings(fields)
	}
	seen := make(map[string]bool, len(fields))
	for _, path := range fields {
		if seen[path] {
			continue
		}
		seen[path] = true
		col, res, err := b.columnOf(path, resolver.Options{})
		if err != nil {
			return err
		}
		if res.ToMany {
			return &qerr.TypeMismatchError{Field: path, Expected: "a to-one field path", Got: "a to-many relation path"}
		}
		q.Select = append(q.Select, selectExpr(col, path))
	}
	return nil
}

func (b *build) aggregateSelect(q *queryir.CompiledQuery, fields []string, agg *queryir.Aggregation) error {
	grouped := make(map[string]bool, len(agg.GroupBy))
	for _, path := range agg.GroupBy {
		if grouped[path] {
			continue
		}
		grouped[path] = true
		col, _, err := b.columnOf(path, resolver.Options{})
		if err != nil {
			return err
		}
		q.GroupBy = append(q.GroupBy, col)
		q.Select = append(q.Select, selectExpr(col, path))
	}
	for _, path := range fields {
		if !grouped[path] {
			return &qerr.AggregationProjectionError{Field: path}
		}
	}

	for _, a := range agg.Funcs {
		if !a.Func.Valid() {
			return &qerr.TypeMismatchError{Field: a.Field, Operator: string(a.Func), Expected: "one of count, sum, avg, min, max"}
		}
		arg := "*"
		if a.Field != "*" {
			col, res, err := b.columnOf(a.Field, resolver.Options{})
			if err != nil {
				return err
			}
			if (a.Func == queryir.AggSum || a.Func == queryir.AggAvg) && res.Field.Kind.Class() != schema.ClassNumber {
				return &qerr.TypeMismatchError{Field: a.Field, Operator: string(a.Func), Expected: "a number field", Got: string(res.Field.Kind) + " field"}
			}
			arg = col
		} else if a.Func != queryir.AggCount {
			return &qerr.TypeMismatchError{Field: a.Field, Operator: string(a.Func), Expected: "a field path", Got: "*"}
		}
		q.Select = append(q.Select, fmt.Sprintf("%s(%s) AS %q", strings.ToUpper(string(a.Func)), arg, a.OutputName()))
	}
	return nil
}

// order builds ORDER BY. Without aggregation the primary key is appended as
// a tiebreaker so the order is total; with aggregation the group-by columns
// play that role.
func (b *build) order(q *queryir.CompiledQuery, keys []queryir.SortKey, agg *queryir.Aggregation) error {
	selected := make(map[string]bool, len(q.Select))
	for _, s := range q.Select {
		selected[s] = true
	}
	ensure := func(col, path string) {
		expr := selectExpr(col, path)
		if !selected[expr] {
			selected[expr] = true
			q.Select = append(q.Select, expr)
		}
	}

	aggOutputs := map[string]bool{}
	if agg != nil {
		for _, a := range agg.Funcs {
			aggOutputs[a.OutputName()] = true
		}
	}
	grouped := func(path string) bool {
		if agg == nil {
			return false
		}
		for _, g := range agg.GroupBy {
			if g == path {
				return true
			}
		}
		return false
	}

	for _, k := range keys {
		if agg != nil && aggOutputs[k.Field] {
			q.SortKeys = append(q.SortKeys, queryir.CompiledSortKey{Field: k.Field, Column: fmt.Sprintf("%q", k.Field), Output: k.Field, Desc: k.Desc})
			continue
		}
		col, res, err := b.columnOf(k.Field, resolver.Options{})
		if err != nil {
			return err
		}
		if res.ToMany {
			return &qerr.TypeMismatchError{Field: k.Field, Expected: "a to-one field path for sorting", Got: "a to-many relation path"}
		}
		if agg != nil && !grouped(k.Field) {
			return &qerr.AggregationProjectionError{Field: k.Field}
		}
		if agg == nil {
			ensure(col, k.Field)
		}
		q.SortKeys = append(q.SortKeys, queryir.CompiledSortKey{
			Field:    k.Field,
			Column:   col,
			Output:   k.Field,
			Desc:     k.Desc,
			Nullable: res.Field.Nullable || len(res.Hops) > 0,
		})
	}

	if agg != nil {
		for i, path := range agg.GroupBy {
			if sortedOn(q.SortKeys, path) {
				continue
			}
			q.SortKeys = append(q.SortKeys, queryir.CompiledSortKey{Field: path, Column: q.GroupBy[i], Output: path})
		}
	} else if n := len(q.SortKeys); n == 0 || q.SortKeys[n-1].Field != b.coll.PrimaryKey {
		col := b.pkColumn()
		ensure(col, b.coll.PrimaryKey)
		q.SortKeys = append(q.SortKeys, queryir.CompiledSortKey{Column: col, Output: b.coll.PrimaryKey})
	}

	for _, k := range q.SortKeys {
		q.OrderBy = append(q.OrderBy, k.Column+b.direction(k))
	}
	return nil
}

// direction renders the ORDER BY direction. NULL sorts before every value:
// SQLite does that by default, Postgres needs it spelled out.
func (b *build) direction(k queryir.CompiledSortKey) string {
	dir := " ASC"
	if k.Desc {
		dir = " DESC"
	}
	if !k.Nullable || b.c.dialect != operator.Postgres {
		return dir
	}
	if k.Desc {
		return dir + " NULLS LAST"
	}
	return dir + " NULLS FIRST"
}

func sortedOn(keys []queryir.CompiledSortKey, path string) bool {
	for _, k := range keys {
		if k.Field == path {
			return true
		}
	}
	return false
}

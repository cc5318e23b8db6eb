package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/resolver"
	"github.com/baasix/querycore/internal/testutil"
)

func newCompiler(opts ...Option) *Compiler {
	return New(resolver.New(testutil.FixtureRegistry()), opts...)
}

func eq(field string, v ir.Value) *queryir.Leaf {
	return &queryir.Leaf{Field: field, Op: operator.Eq, Value: v}
}

func scenarioFilter() queryir.FilterNode {
	return &queryir.And{Children: []queryir.FilterNode{
		eq("status", ir.String("active")),
		&queryir.Or{Children: []queryir.FilterNode{
			&queryir.Leaf{Field: "age", Op: operator.Gt, Value: ir.Int(30)},
			eq("tier", ir.String("gold")),
		}},
	}}
}

func TestCompileScenario(t *testing.T) {
	q, err := newCompiler().Compile(Request{Collection: "users", Filter: scenarioFilter()})
	require.NoError(t, err)

	assert.Equal(t, "status = ? AND (age > ? OR tier = ?)", q.Where)
	assert.Equal(t, []any{"active", int64(30), "gold"}, q.WhereParams)
	assert.Equal(t, q.WhereParams, q.Args)
	assert.Empty(t, q.Joins)
	assert.Equal(t,
		"SELECT age, created_at, email, id, name, profile_id, status, tenant_id, tier FROM users "+
			"WHERE status = ? AND (age > ? OR tier = ?) ORDER BY id ASC",
		q.SQL)
	assert.Equal(t, []string{"users"}, q.Dependencies)
}

func TestCompilePostgresPlaceholders(t *testing.T) {
	q, err := newCompiler(WithDialect(operator.Postgres)).Compile(Request{
		Collection: "users",
		Filter:     scenarioFilter(),
		Fields:     []string{"id", "name"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM users WHERE status = $1 AND (age > $2 OR tier = $3) ORDER BY id ASC", q.SQL)
}

func TestCompileSharesJoinsPerPath(t *testing.T) {
	filter := &queryir.And{Children: []queryir.FilterNode{
		eq("author.name", ir.String("ada")),
		eq("author.profile.city", ir.String("Paris")),
		&queryir.Leaf{Field: "author.age", Op: operator.Gte, Value: ir.Int(18)},
	}}
	q, err := newCompiler().Compile(Request{Collection: "posts", Filter: filter, Fields: []string{"id", "title"}})
	require.NoError(t, err)

	require.Len(t, q.Joins, 2)
	assert.Equal(t, "LEFT JOIN users t1 ON t1.id = t0.author_id", q.Joins[0].SQL())
	assert.Equal(t, "LEFT JOIN profiles t2 ON t2.id = t1.profile_id", q.Joins[1].SQL())
	assert.Equal(t, "t1.name = ? AND t2.city = ? AND t1.age >= ?", q.Where)
	assert.False(t, q.Distinct)
	assert.Equal(t, []string{"posts", "profiles", "users"}, q.Dependencies)
	assert.Equal(t,
		"SELECT t0.id, t0.title FROM posts t0 "+
			"LEFT JOIN users t1 ON t1.id = t0.author_id "+
			"LEFT JOIN profiles t2 ON t2.id = t1.profile_id "+
			"WHERE t1.name = ? AND t2.city = ? AND t1.age >= ? ORDER BY t0.id ASC",
		q.SQL)
}

func TestCompileMixedPermissionAndUserJoins(t *testing.T) {
	user := eq("author.name", ir.String("ada"))
	perm := eq("author.status", ir.String("active"))

	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter:     policy.Inject(user, nil, perm),
		Fields:     []string{"id"},
	})
	require.NoError(t, err)

	require.Len(t, q.Joins, 2)
	assert.Equal(t, "INNER JOIN users t1 ON t1.id = t0.author_id", q.Joins[0].SQL())
	assert.Equal(t, "LEFT JOIN users t2 ON t2.id = t0.author_id", q.Joins[1].SQL())
	assert.Equal(t, "t1.status = ? AND t2.name = ?", q.Where)
	assert.Equal(t, []any{"active", "ada"}, q.Args)
}

func TestCompileManyToManyUsesJunction(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter:     eq("tags.name", ir.String("go")),
		Fields:     []string{"id", "title"},
	})
	require.NoError(t, err)

	require.Len(t, q.Joins, 2)
	assert.Equal(t, "LEFT JOIN post_tags t1 ON t1.post_id = t0.id", q.Joins[0].SQL())
	assert.Equal(t, "tags#", q.Joins[0].Path)
	assert.Equal(t, "LEFT JOIN tags t2 ON t2.id = t1.tag_id", q.Joins[1].SQL())
	assert.True(t, q.Distinct)
	assert.Contains(t, q.SQL, "SELECT DISTINCT t0.id, t0.title FROM posts t0")
	assert.Equal(t, []string{"post_tags", "posts", "tags"}, q.Dependencies)
}

func TestCompilePolymorphicBindsDiscriminator(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "activities",
		Filter:     eq("subject:posts.title", ir.String("hello")),
		Fields:     []string{"id"},
	})
	require.NoError(t, err)

	require.Len(t, q.Joins, 1)
	assert.Equal(t, "LEFT JOIN posts t1 ON t1.id = t0.subject_id AND t0.subject_type = ?", q.Joins[0].SQL())
	assert.Equal(t, []any{"posts"}, q.Joins[0].OnParams)
	assert.Equal(t, []any{"posts", "hello"}, q.Args)
}

func TestCompileColumnReference(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter:     &queryir.Leaf{Field: "views", Op: operator.Gt, Value: ir.ColumnRef{Path: "author.age"}},
		Fields:     []string{"id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t0.views > t1.age", q.Where)
	assert.Empty(t, q.Args)
}

func TestCompileSortAndProjection(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Fields:     []string{"title"},
		Sort:       []queryir.SortKey{{Field: "author.name"}, {Field: "views", Desc: true}},
		Page:       queryir.Pagination{Limit: 10, Offset: 20},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"t0.title", `t1.name AS "author.name"`, "t0.views", "t0.id"}, q.Select)
	assert.Equal(t, []string{"t1.name ASC", "t0.views DESC", "t0.id ASC"}, q.OrderBy)
	require.Len(t, q.SortKeys, 3)
	assert.Equal(t, "author.name", q.SortKeys[0].Output)
	assert.Equal(t, "id", q.SortKeys[2].Output)
	assert.Contains(t, q.SQL, "ORDER BY t1.name ASC, t0.views DESC, t0.id ASC LIMIT 10 OFFSET 20")
}

func TestCompilePrimaryKeyNotRepeated(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "users",
		Fields:     []string{"id"},
		Sort:       []queryir.SortKey{{Field: "id", Desc: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id DESC"}, q.OrderBy)
}

func TestCompileRejectsToManySortAndProjection(t *testing.T) {
	_, err := newCompiler().Compile(Request{Collection: "posts", Sort: []queryir.SortKey{{Field: "comments.body"}}})
	assert.Equal(t, qerr.CodeTypeMismatch, qerr.CodeOf(err))

	_, err = newCompiler().Compile(Request{Collection: "posts", Fields: []string{"tags.name"}})
	assert.Equal(t, qerr.CodeTypeMismatch, qerr.CodeOf(err))
}

func TestCompileAggregation(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "orders",
		Aggregate: &queryir.Aggregation{
			GroupBy: []string{"status"},
			Funcs: []queryir.Aggregate{
				{Func: queryir.AggCount, Field: "*"},
				{Func: queryir.AggSum, Field: "items.qty"},
			},
		},
		Sort: []queryir.SortKey{{Field: "count", Desc: true}},
	})
	require.NoError(t, err)

	assert.False(t, q.Distinct)
	assert.Equal(t, []string{"t0.status"}, q.GroupBy)
	assert.Equal(t,
		`SELECT t0.status, COUNT(*) AS "count", SUM(t1.qty) AS "sum_items_qty" FROM orders t0 `+
			`LEFT JOIN order_items t1 ON t1.order_id = t0.id `+
			`GROUP BY t0.status ORDER BY "count" DESC, t0.status ASC`,
		q.SQL)
	assert.Equal(t, []string{"order_items", "orders"}, q.Dependencies)
}

func TestCompileAggregationErrors(t *testing.T) {
	agg := &queryir.Aggregation{
		GroupBy: []string{"status"},
		Funcs:   []queryir.Aggregate{{Func: queryir.AggSum, Field: "items.qty"}},
	}

	_, err := newCompiler().Compile(Request{Collection: "orders", Fields: []string{"status", "total"}, Aggregate: agg})
	var proj *qerr.AggregationProjectionError
	require.ErrorAs(t, err, &proj)
	assert.Equal(t, "total", proj.Field)

	_, err = newCompiler().Compile(Request{Collection: "orders", Sort: []queryir.SortKey{{Field: "placed_at"}}, Aggregate: agg})
	assert.Equal(t, qerr.CodeAggregationProjection, qerr.CodeOf(err))

	_, err = newCompiler().Compile(Request{Collection: "orders", Aggregate: &queryir.Aggregation{
		Funcs: []queryir.Aggregate{{Func: queryir.AggSum, Field: "status"}},
	}})
	assert.Equal(t, qerr.CodeTypeMismatch, qerr.CodeOf(err))

	_, err = newCompiler().Compile(Request{Collection: "orders", Aggregate: agg, Page: queryir.Pagination{After: []ir.Value{ir.Int(1)}}})
	assert.ErrorIs(t, err, ErrCursorWithAggregate)
}

func TestCompileKeysetCursor(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter:     eq("status", ir.String("published")),
		Fields:     []string{"id", "views"},
		Sort:       []queryir.SortKey{{Field: "views", Desc: true}},
		Page:       queryir.Pagination{Limit: 5, After: []ir.Value{ir.Int(10), ir.Int(42)}},
	})
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT id, views FROM posts WHERE (status = ?) AND ((views < ? OR views IS NULL) OR (views = ? AND id > ?)) "+
			"ORDER BY views DESC, id ASC LIMIT 5",
		q.SQL)
	assert.Equal(t, []any{"published", int64(10), int64(10), int64(42)}, q.Args)
	assert.Equal(t, []any{"published"}, q.WhereParams)

	_, err = newCompiler().Compile(Request{
		Collection: "posts",
		Sort:       []queryir.SortKey{{Field: "views"}},
		Page:       queryir.Pagination{After: []ir.Value{ir.Int(10)}},
	})
	assert.ErrorIs(t, err, queryir.ErrCursorMismatch)

	_, err = newCompiler().Compile(Request{
		Collection: "posts",
		Page:       queryir.Pagination{Offset: 5, After: []ir.Value{ir.Int(10)}},
	})
	assert.ErrorIs(t, err, ErrCursorWithOffset)
}

func TestCompileKeysetCursorOverNull(t *testing.T) {
	tests := []struct {
		name   string
		desc   bool
		cursor string
	}{
		{"ascending", false, "author_id IS NOT NULL OR (author_id IS NULL AND id > ?)"},
		{"descending", true, "(author_id IS NULL AND id > ?)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := newCompiler().Compile(Request{
				Collection: "posts",
				Fields:     []string{"id", "author_id"},
				Sort:       []queryir.SortKey{{Field: "author_id", Desc: tt.desc}},
				Page:       queryir.Pagination{Limit: 3, After: []ir.Value{ir.Null{}, ir.Int(7)}},
			})
			require.NoError(t, err)
			assert.Contains(t, q.SQL, "WHERE "+tt.cursor+" ORDER BY")
			assert.Equal(t, []any{int64(7)}, q.Args)
		})
	}
}

func TestCompilePostgresPinsNullOrder(t *testing.T) {
	c := newCompiler(WithDialect(operator.Postgres))

	q, err := c.Compile(Request{Collection: "posts", Fields: []string{"id"}, Sort: []queryir.SortKey{{Field: "views", Desc: true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"views DESC NULLS LAST", "id ASC"}, q.OrderBy)

	q, err = c.Compile(Request{Collection: "posts", Fields: []string{"id"}, Sort: []queryir.SortKey{{Field: "author.name"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1.name ASC NULLS FIRST", "t0.id ASC"}, q.OrderBy)

	q, err = newCompiler().Compile(Request{Collection: "posts", Fields: []string{"id"}, Sort: []queryir.SortKey{{Field: "views", Desc: true}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"views DESC", "id ASC"}, q.OrderBy)
}

func TestCompileAggregateOverToManyFilter(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter:     &queryir.Leaf{Field: "comments.body", Op: operator.Neq, Value: ir.String("zzz")},
		Aggregate:  &queryir.Aggregation{Funcs: []queryir.Aggregate{{Func: queryir.AggCount, Field: "*"}}},
	})
	require.NoError(t, err)

	assert.Empty(t, q.Joins)
	assert.Equal(t,
		`SELECT COUNT(*) AS "count" FROM posts `+
			`WHERE id IN (SELECT t0.id FROM posts t0 LEFT JOIN comments t1 ON t1.post_id = t0.id WHERE t1.body <> ?)`,
		q.SQL)
	assert.Equal(t, []any{"zzz"}, q.Args)
	assert.Equal(t, []string{"comments", "posts"}, q.Dependencies)
}

func TestCompileAggregateKeepsToOneFilterJoins(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter:     eq("author.name", ir.String("ada")),
		Aggregate:  &queryir.Aggregation{Funcs: []queryir.Aggregate{{Func: queryir.AggCount, Field: "*"}}},
	})
	require.NoError(t, err)
	require.Len(t, q.Joins, 1)
	assert.Equal(t, "t1.name = ?", q.Where)
}

func TestCompileNotOverToManyUsesAntiJoin(t *testing.T) {
	q, err := newCompiler().Compile(Request{
		Collection: "posts",
		Filter: &queryir.And{Children: []queryir.FilterNode{
			eq("author.name", ir.String("ada")),
			&queryir.Not{Child: eq("comments.body", ir.String("spam"))},
		}},
		Fields: []string{"id"},
	})
	require.NoError(t, err)

	require.Len(t, q.Joins, 1)
	assert.Equal(t, "LEFT JOIN users t1 ON t1.id = t0.author_id", q.Joins[0].SQL())
	assert.False(t, q.Distinct)
	assert.Equal(t,
		"t1.name = ? AND t0.id NOT IN (SELECT t0.id FROM posts t0 LEFT JOIN comments t1 ON t1.post_id = t0.id WHERE t1.body = ?)",
		q.Where)
	assert.Equal(t, []any{"ada", "spam"}, q.Args)
	assert.Equal(t, []string{"comments", "posts", "users"}, q.Dependencies)
}

func TestCompileCursorToken(t *testing.T) {
	c := newCompiler()
	req := Request{Collection: "posts", Fields: []string{"id", "views"}, Sort: []queryir.SortKey{{Field: "views"}}}

	first, err := c.Compile(req)
	require.NoError(t, err)
	tok, err := NextCursor(first, map[string]any{"id": int64(3), "views": int64(7)})
	require.NoError(t, err)

	req.Cursor = tok
	next, err := c.Compile(req)
	require.NoError(t, err)
	assert.Equal(t, []ir.Value{ir.Int(7), ir.Int(3)}, next.Cursor)

	req.Sort = []queryir.SortKey{{Field: "views", Desc: true}}
	_, err = c.Compile(req)
	assert.ErrorIs(t, err, queryir.ErrCursorMismatch)
}

func TestCompileGeometryCapability(t *testing.T) {
	point := ir.Object{"type": ir.String("Point"), "coordinates": ir.Array{ir.Int(1), ir.Int(2)}}
	req := Request{
		Collection: "posts",
		Filter:     &queryir.Leaf{Field: "location", Op: operator.Intersects, Value: point},
		Fields:     []string{"id"},
	}

	_, err := newCompiler().Compile(req)
	assert.Equal(t, qerr.CodeCapability, qerr.CodeOf(err))

	q, err := newCompiler(WithGeometry(true), WithDialect(operator.Postgres)).Compile(req)
	require.NoError(t, err)
	assert.Equal(t, "ST_Intersects(location, ST_GeomFromWKB(?, 4326))", q.Where)
	assert.Contains(t, q.SQL, "ST_GeomFromWKB($1, 4326)")
	require.Len(t, q.Args, 1)
	assert.IsType(t, []byte{}, q.Args[0])
}

func TestCompileErrors(t *testing.T) {
	_, err := newCompiler().Compile(Request{Collection: "ghosts"})
	assert.Equal(t, qerr.CodeCollectionNotFound, qerr.CodeOf(err))

	_, err = newCompiler().Compile(Request{Collection: "posts", Filter: eq("author", ir.Int(1))})
	assert.Equal(t, qerr.CodeFieldNotFound, qerr.CodeOf(err))

	_, err = newCompiler().Compile(Request{Collection: "posts", Filter: eq("subject.title", ir.Int(1))})
	assert.Equal(t, qerr.CodeFieldNotFound, qerr.CodeOf(err))

	_, err = newCompiler().Compile(Request{Collection: "posts", Page: queryir.Pagination{Limit: -1}})
	assert.Error(t, err)

	_, err = newCompiler().Compile(Request{Collection: "posts", Filter: &queryir.Or{}})
	assert.Equal(t, qerr.CodeFilterSyntax, qerr.CodeOf(err))
}

func TestCompileNeverInlinesValues(t *testing.T) {
	filter := &queryir.And{Children: []queryir.FilterNode{
		eq("title", ir.String("'; DROP TABLE posts; --")),
		&queryir.Leaf{Field: "title", Op: operator.Contains, Value: ir.String("50%_off")},
		&queryir.Leaf{Field: "views", Op: operator.In, Value: ir.Array{ir.Int(1), ir.Int(2)}},
	}}
	q, err := newCompiler().Compile(Request{Collection: "posts", Filter: filter, Fields: []string{"id"}})
	require.NoError(t, err)
	assert.NotContains(t, q.SQL, "DROP")
	assert.NotContains(t, q.SQL, "50%")
	assert.Len(t, q.Args, 4)
}

package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baasix/querycore/internal/cache"
	"github.com/baasix/querycore/internal/invalidation"
	"github.com/baasix/querycore/internal/parser"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/store"
	"github.com/baasix/querycore/internal/testutil"
)

// counting wraps an executor and counts Run calls. before, when set, runs
// ahead of the wrapped executor.
type counting struct {
	inner  Executor
	calls  atomic.Int32
	before func()
}

func (c *counting) Run(ctx context.Context, q *queryir.CompiledQuery) ([]map[string]any, error) {
	c.calls.Add(1)
	if c.before != nil {
		c.before()
	}
	return c.inner.Run(ctx, q)
}

type fixture struct {
	engine *Engine
	exec   *counting
	bus    *invalidation.Bus
	db     *store.SQLite
}

// newFixture seeds users 1-2 and posts 1-6. Odd posts belong to globex and
// even posts to acme; posts 1-3 are published, 4-6 drafts; posts 1-3 are
// by ada, 4-6 by bob.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.CreateTables(ctx, db, testutil.FixtureCollections()...))
	require.NoError(t, db.Exec(ctx,
		`INSERT INTO users (id, tenant_id, name) VALUES (1, 'acme', 'ada'), (2, 'acme', 'bob')`))
	for i := 1; i <= 6; i++ {
		tenant, status, author := "acme", "published", 1
		if i%2 == 1 {
			tenant = "globex"
		}
		if i > 3 {
			status, author = "draft", 2
		}
		require.NoError(t, db.Exec(ctx,
			`INSERT INTO posts (id, tenant_id, title, status, views, author_id) VALUES (?, ?, ?, ?, ?, ?)`,
			i, tenant, fmt.Sprintf("post %d", i), status, i*10, author))
	}

	reg := testutil.FixtureRegistry()
	bus := invalidation.New(reg, invalidation.NewMemoryVersions())
	mem, err := cache.NewMemory(100)
	require.NoError(t, err)
	c := cache.New(mem, bus)
	bus.SetEvictor(c)

	exec := &counting{inner: db}
	opts = append([]Option{
		WithClock(testutil.NewFixedClock(testutil.Epoch)),
		WithIDGenerator(testutil.NewSequentialIDs("req")),
	}, opts...)
	e := New(reg, exec, c, bus, opts...)
	return &fixture{engine: e, exec: exec, bus: bus, db: db}
}

func doc(t *testing.T, src string) *parser.Document {
	t.Helper()
	d, err := parser.DecodeDocument([]byte(src))
	require.NoError(t, err)
	return d
}

var system = policy.Accountability{Role: "admin", Scope: policy.ScopeSystem}

func ids(rows []map[string]any) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r["id"].(int64)
	}
	return out
}

func TestQueryCachesResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{
		Collection:     "posts",
		Filter:         doc(t, `{"status": {"eq": "published"}}`),
		Fields:         []string{"id", "title"},
		Accountability: system,
	}

	first, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "req-0001", first.RequestID)
	assert.Equal(t, []int64{1, 2, 3}, ids(first.Rows))

	second, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "req-0002", second.RequestID)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, int32(1), f.exec.calls.Load())
}

func TestWriteToRelatedCollectionInvalidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	byAuthor := Request{
		Collection:     "posts",
		Filter:         doc(t, `{"author": {"name": {"eq": "ada"}}}`),
		Fields:         []string{"id"},
		Accountability: system,
	}
	plain := Request{Collection: "tags", Accountability: system}

	for _, r := range []Request{byAuthor, plain} {
		_, err := f.engine.Query(ctx, r)
		require.NoError(t, err)
	}

	require.NoError(t, f.db.Exec(ctx, `UPDATE users SET name = 'ada' WHERE id = 2`))
	require.NoError(t, f.engine.NotifyWrite(ctx, "users"))

	res, err := f.engine.Query(ctx, byAuthor)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, ids(res.Rows))

	res, err = f.engine.Query(ctx, plain)
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

// A write commits while the executor runs. The result it returns predates
// the write, so it must not be served from the cache afterwards.
func TestWriteDuringExecutionIsNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{Collection: "posts", Fields: []string{"id"}, Accountability: system}

	f.exec.before = func() {
		f.exec.before = nil
		require.NoError(t, f.engine.NotifyWrite(ctx, "posts"))
	}
	_, err := f.engine.Query(ctx, req)
	require.NoError(t, err)

	res, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), f.exec.calls.Load())

	res, err = f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Cached)
}

func TestPermissionAndTenantInjection(t *testing.T) {
	ctx := context.Background()
	perms := RolePermissions{
		"editor": {"posts": doc(t, `{"status": {"eq": "published"}}`)},
	}
	f := newFixture(t, WithPermissions(perms))

	editor := policy.Accountability{UserID: "1", Role: "editor", TenantID: "acme"}
	res, err := f.engine.Query(ctx, Request{
		Collection: "posts",
		// The OR must not widen the permission rule.
		Filter:         doc(t, `{"OR": [{"views": {"gt": 0}}, {"status": {"eq": "draft"}}]}`),
		Fields:         []string{"id"},
		Accountability: editor,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(res.Rows))

	viewer := policy.Accountability{UserID: "1", Role: "viewer", TenantID: "globex"}
	res, err = f.engine.Query(ctx, Request{Collection: "posts", Fields: []string{"id"}, Accountability: viewer})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 5}, ids(res.Rows))
}

func TestTenantScopeFailsClosed(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Query(context.Background(), Request{
		Collection:     "posts",
		Accountability: policy.Accountability{UserID: "1", Role: "viewer"},
	})
	assert.ErrorIs(t, err, policy.ErrMissingTenant)
	assert.Equal(t, int32(0), f.exec.calls.Load())
}

func TestCursorPagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{
		Collection:     "posts",
		Fields:         []string{"id", "views"},
		Sort:           []queryir.SortKey{{Field: "views", Desc: true}},
		Page:           queryir.Pagination{Limit: 4},
		Accountability: system,
	}

	page, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 5, 4, 3}, ids(page.Rows))
	require.NotEmpty(t, page.NextCursor)

	req.Cursor = page.NextCursor
	page, err = f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(page.Rows))
	assert.Empty(t, page.NextCursor)
}

func TestNoCacheSkipsLookupAndPopulate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{Collection: "posts", Fields: []string{"id"}, Accountability: system, NoCache: true}

	for i := 0; i < 2; i++ {
		res, err := f.engine.Query(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, int32(2), f.exec.calls.Load())

	req.NoCache = false
	res, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestQueryWithoutExecutor(t *testing.T) {
	e := New(testutil.FixtureRegistry(), nil, nil, nil)
	_, err := e.Query(context.Background(), Request{Collection: "posts", Accountability: system})
	assert.ErrorIs(t, err, ErrNoExecutor)

	plan, err := e.Plan(Request{Collection: "posts", Accountability: system})
	require.NoError(t, err)
	assert.Contains(t, plan.Query.SQL, "FROM posts")
}

func TestPlanKeys(t *testing.T) {
	e := New(testutil.FixtureRegistry(), nil, nil, nil)
	acme := policy.Accountability{UserID: "1", Role: "viewer", TenantID: "acme"}
	globex := policy.Accountability{UserID: "1", Role: "viewer", TenantID: "globex"}

	plan := func(filter string, acc policy.Accountability) string {
		p, err := e.Plan(Request{Collection: "posts", Filter: doc(t, filter), Accountability: acc})
		require.NoError(t, err)
		return p.Key
	}

	a := plan(`{"status": {"eq": "published"}, "views": {"gt": 3}}`, acme)
	assert.Regexp(t, `^qc:posts:[0-9a-f]{64}$`, a)
	assert.Equal(t, a, plan(`{"status": {"eq": "published"}, "views": {"gt": 3}}`, acme))
	assert.NotEqual(t, a, plan(`{"status": {"eq": "published"}, "views": {"gt": 3}}`, globex))
	assert.NotEqual(t, a, plan(`{"status": {"eq": "draft"}, "views": {"gt": 3}}`, acme))
}

func TestUnknownCollection(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Query(context.Background(), Request{Collection: "nope", Accountability: system})
	assert.Error(t, err)
}

func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{Collection: "tags", Accountability: system}

	_, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.engine.InvalidateAll(ctx))

	res, err := f.engine.Query(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

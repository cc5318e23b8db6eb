package harness

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/baasix/querycore/internal/cache"
	"github.com/baasix/querycore/internal/engine"
	"github.com/baasix/querycore/internal/invalidation"
	"github.com/baasix/querycore/internal/logging"
	"github.com/baasix/querycore/internal/parser"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/schema"
	"github.com/baasix/querycore/internal/store"
	"github.com/baasix/querycore/internal/testutil"
)

// Harness is the scenario execution environment: one database, one engine
// and one cache, all deterministic.
type Harness struct {
	db     *store.SQLite
	engine *engine.Engine
	runs   atomic.Int64
}

// counter counts executor runs.
type counter struct {
	inner engine.Executor
	runs  *atomic.Int64
}

func (c counter) Run(ctx context.Context, q *queryir.CompiledQuery) ([]map[string]any, error) {
	c.runs.Add(1)
	return c.inner.Run(ctx, q)
}

// Run executes scenario against a fresh in-memory database and returns
// the trace. An error means the scenario could not be set up; failed
// expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		event := h.execute(ctx, i+1, step, result)
		if step.Expect != nil {
			for _, msg := range checkExpect(step.Expect, event) {
				result.AddError(fmt.Sprintf("step %d (%s): %s", event.Step, stepLabel(step, event), msg))
			}
		}
		result.Trace = append(result.Trace, event)
	}
	result.Executions = int(h.runs.Load())

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h.db) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	colls, err := loadCollections(scenario.Schema)
	if err != nil {
		return nil, err
	}
	reg, err := schema.NewRegistry(colls...)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	db, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	if err := store.CreateTables(ctx, db, colls...); err != nil {
		db.Close()
		return nil, err
	}
	for i, stmt := range scenario.Seed {
		if err := db.Exec(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	perms, err := permissions(scenario.Permissions)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger := logging.Discard()
	bus := invalidation.New(reg, invalidation.NewMemoryVersions(), invalidation.WithLogger(logger))
	mem, err := cache.NewMemory(cache.DefaultMaxEntries)
	if err != nil {
		db.Close()
		return nil, err
	}
	clock := testutil.NewFixedClock(testutil.Epoch)
	c := cache.New(mem, bus, cache.WithClock(clock), cache.WithLogger(logger))
	bus.SetEvictor(c)

	h := &Harness{db: db}
	h.engine = engine.New(reg, counter{inner: db, runs: &h.runs}, c, bus,
		engine.WithPermissions(perms),
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("req")),
		engine.WithLogger(logger))
	return h, nil
}

func (h *Harness) close() {
	h.engine.Close()
	h.db.Close()
}

func loadCollections(path string) ([]schema.Collection, error) {
	if path == "" {
		return testutil.FixtureCollections(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return schema.LoadSource(path, string(src))
}

func permissions(raw map[string]map[string]yaml.Node) (engine.RolePermissions, error) {
	if len(raw) == 0 {
		return engine.RolePermissions{}, nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}
	return engine.DecodePermissions(data)
}

// nodeDocument re-encodes a YAML subtree so the filter keeps its member
// order.
func nodeDocument(node *yaml.Node) (*parser.Document, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return nil, err
	}
	return parser.DecodeDocument(data)
}

func (h *Harness) execute(ctx context.Context, n int, step Step, result *Result) TraceEvent {
	event := TraceEvent{Step: n, Name: step.Name}
	var err error

	switch {
	case step.Query != nil:
		event.Kind = KindQuery
		event.Collection = step.Query.Collection
		err = h.query(ctx, step.Query, result, &event)
	case step.Write != "":
		event.Kind = KindWrite
		event.Collection = step.Write
		err = h.engine.NotifyWrite(ctx, step.Write)
	case step.Exec != "":
		event.Kind = KindExec
		event.SQL = step.Exec
		err = h.db.Exec(ctx, step.Exec)
	case step.InvalidateAll:
		event.Kind = KindInvalidateAll
		err = h.engine.InvalidateAll(ctx)
	}

	if err != nil {
		event.Error = errorText(err)
		if step.Expect == nil || step.Expect.Error == "" {
			result.AddError(fmt.Sprintf("step %d (%s): %v", n, stepLabel(step, event), err))
		}
	}
	return event
}

func (h *Harness) query(ctx context.Context, q *QueryStep, result *Result, event *TraceEvent) error {
	req, err := request(q, result)
	if err != nil {
		return err
	}
	res, err := h.engine.Query(ctx, req)
	if err != nil {
		return err
	}
	event.SQL = res.Query.SQL
	event.Args = res.Query.Args
	event.Dependencies = res.Query.Dependencies
	event.Cached = res.Cached
	event.Rows = res.Rows
	event.NextCursor = res.NextCursor
	return nil
}

func request(q *QueryStep, result *Result) (engine.Request, error) {
	scope, err := policy.ParseScope(q.As.Scope)
	if err != nil {
		return engine.Request{}, err
	}
	filter, err := nodeDocument(&q.Filter)
	if err != nil {
		return engine.Request{}, fmt.Errorf("filter: %w", err)
	}

	req := engine.Request{
		Collection: q.Collection,
		Filter:     filter,
		Fields:     q.Fields,
		Sort:       queryir.ParseSort(q.Sort),
		Page:       queryir.Pagination{Limit: q.Limit, Offset: q.Offset},
		NoCache:    q.NoCache,
		Accountability: policy.Accountability{
			UserID:   q.As.User,
			Role:     q.As.Role,
			TenantID: q.As.Tenant,
			Scope:    scope,
		},
	}

	if q.After != "" {
		prev, ok := result.Event(q.After)
		if !ok || prev.NextCursor == "" {
			return engine.Request{}, fmt.Errorf("step %q has no next cursor", q.After)
		}
		req.Cursor = prev.NextCursor
	}

	if q.Aggregate != nil {
		agg := &queryir.Aggregation{GroupBy: q.Aggregate.GroupBy}
		for _, spec := range q.Aggregate.Funcs {
			a, err := queryir.ParseAggregate(spec)
			if err != nil {
				return engine.Request{}, err
			}
			agg.Funcs = append(agg.Funcs, a)
		}
		req.Aggregate = agg
	}
	return req, nil
}

// errorText prefers the stable validation code over the message.
func errorText(err error) string {
	if code := qerr.CodeOf(err); code != "" {
		return string(code) + ": " + err.Error()
	}
	return err.Error()
}

func stepLabel(step Step, event TraceEvent) string {
	if step.Name != "" {
		return step.Name
	}
	if event.Collection != "" {
		return event.Kind + " " + event.Collection
	}
	return strings.ReplaceAll(event.Kind, "_", " ")
}

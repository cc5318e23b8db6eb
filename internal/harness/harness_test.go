package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFile(t *testing.T, name string) *Result {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	require.True(t, result.Pass, "scenario failed:\n%s", strings.Join(result.Errors, "\n"))
}

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(strings.TrimSuffix(filepath.Base(f), ".yaml"), func(t *testing.T) {
			requirePass(t, runFile(t, filepath.Base(f)))
		})
	}
}

func TestGoldenTagCacheRoundtrip(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/tag_cache_roundtrip.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestOrderInvalidationTrace(t *testing.T) {
	result := runFile(t, "order_invalidation.yaml")
	requirePass(t, result)

	items, ok := result.Event("items")
	require.True(t, ok)
	assert.Equal(t, []string{"order_items", "orders"}, items.Dependencies)
	assert.Equal(t, []any{"open"}, items.Args)

	write, ok := result.Event("6")
	require.True(t, ok)
	assert.Equal(t, KindWrite, write.Kind)
	assert.Equal(t, "orders", write.Collection)
}

func TestPermissionScopingErrors(t *testing.T) {
	result := runFile(t, "permission_scoping.yaml")
	requirePass(t, result)

	unknown, ok := result.Event("unknown_field")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(unknown.Error, "FIELD_NOT_FOUND: "), unknown.Error)
	assert.Empty(t, unknown.SQL)
}

func TestShopPagesCursor(t *testing.T) {
	result := runFile(t, "shop_pages.yaml")
	requirePass(t, result)

	page1, _ := result.Event("page1")
	page3, _ := result.Event("page3")
	assert.NotEmpty(t, page1.NextCursor)
	assert.Empty(t, page3.NextCursor)
}

func TestFailedExpectationsAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing
description: every expectation here is wrong
seed:
  - INSERT INTO tags (id, name) VALUES (1, 'go')
steps:
  - name: read
    query:
      collection: tags
      as: {scope: system}
    expect:
      cached: true
      count: 2
      ids: [7]
  - name: bad
    query:
      collection: tags
      filter: {nope: 1}
      as: {scope: system}
assertions:
  - type: executions
    count: 5
  - type: sql_contains
    step: read
    text: DISTINCT
  - type: final_state
    table: tags
    where: {id: 1}
    expect: {name: rust}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	all := strings.Join(result.Errors, "\n")
	assert.Contains(t, all, "cached = false, expected true")
	assert.Contains(t, all, "1 rows, expected 2")
	assert.Contains(t, all, "ids = [1], expected [7]")
	assert.Contains(t, all, "step 2 (bad)")
	assert.Contains(t, all, "1 executor runs")
	assert.Contains(t, all, `SQL containing "DISTINCT"`)
	assert.Contains(t, all, `field "name" = rust`)
}

func TestInvalidateAllStep(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: flush
description: invalidate_all makes every entry miss
steps:
  - name: a
    query: {collection: tags, as: {scope: system}}
  - invalidate_all: true
  - name: b
    query: {collection: tags, as: {scope: system}}
    expect: {cached: false, count: 0}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	requirePass(t, result)
	assert.Equal(t, 2, result.Executions)
	assert.Equal(t, KindInvalidateAll, result.Trace[1].Kind)
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"int vs int64", 3, int64(3), true},
		{"int vs float64", 3, float64(3), true},
		{"float vs int64", 2.0, int64(2), true},
		{"bool vs int64", true, int64(1), true},
		{"bool mismatch", false, int64(1), false},
		{"string vs bytes", "go", []byte("go"), true},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, int64(0), false},
		{"string vs int", "1", int64(1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestSnapshotIsCanonical(t *testing.T) {
	result := NewResult()
	result.Executions = 1
	result.Trace = []TraceEvent{
		{Step: 1, Kind: KindQuery, Collection: "tags", Rows: []map[string]any{}},
		{Step: 2, Kind: KindExec, SQL: "DELETE FROM tags", Error: "boom"},
	}

	data, err := Snapshot("s", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"executions":1,"scenario_name":"s","trace":[`+
			`{"cached":false,"collection":"tags","kind":"query","rows":[],"step":1},`+
			`{"cached":false,"error":"boom","kind":"exec","sql":"DELETE FROM tags","step":2}]}`,
		string(data))
}

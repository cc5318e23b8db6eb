package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baasix/querycore/internal/schema"
	"github.com/baasix/querycore/internal/store"
)

// seedDB creates a SQLite file with the blog schema: users 1 (ada) and 2
// (bob) in acme, and posts 1-4 where odd posts are published by ada.
func seedDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blog.db")

	cols, err := schema.LoadDir(schemaDir)
	require.NoError(t, err)
	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, store.CreateTables(ctx, db, cols...))
	require.NoError(t, db.Exec(ctx,
		`INSERT INTO users (id, tenant_id, name, status) VALUES (1, 'acme', 'ada', 'active'), (2, 'acme', 'bob', 'active')`))
	for i := 1; i <= 4; i++ {
		status, author := "draft", 2
		if i%2 == 1 {
			status, author = "published", 1
		}
		require.NoError(t, db.Exec(ctx,
			`INSERT INTO posts (id, tenant_id, title, status, author_id, views) VALUES (?, 'acme', ?, ?, ?, ?)`,
			i, fmt.Sprintf("post %d", i), status, author, i*10))
	}
	return path
}

func rowIDs(rows []map[string]any) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i], _ = r["id"].(float64)
	}
	return out
}

func TestQueryText(t *testing.T) {
	dsn := seedDB(t)
	out, err := execute(t, "query", "posts", "--schema", schemaDir, "--dsn", dsn,
		"--tenant", "acme", "--filter", `{"author": {"name": "ada"}}`, "--fields", "id,title")
	require.NoError(t, err)

	assert.Contains(t, out, `{"id":1,"title":"post 1"}`)
	assert.Contains(t, out, `{"id":3,"title":"post 3"}`)
	assert.Contains(t, out, "2 row(s)\n")
	assert.NotContains(t, out, "(cached)")
}

func TestQueryPagesWithCursor(t *testing.T) {
	dsn := seedDB(t)
	page := func(cursor string) QueryResult {
		args := []string{"query", "posts", "--schema", schemaDir, "--dsn", dsn,
			"--scope", "system", "--sort", "-views", "--limit", "3", "--fields", "id", "--format", "json"}
		if cursor != "" {
			args = append(args, "--cursor", cursor)
		}
		out, err := execute(t, args...)
		require.NoError(t, err)
		var result QueryResult
		resp := decode(t, out, &result)
		assert.NotEmpty(t, resp.RequestID)
		return result
	}

	first := page("")
	assert.Equal(t, []float64{4, 3, 2}, rowIDs(first.Rows))
	require.NotEmpty(t, first.NextCursor)

	second := page(first.NextCursor)
	assert.Equal(t, []float64{1}, rowIDs(second.Rows))
	assert.Empty(t, second.NextCursor)
}

func TestQuerySharedCacheAcrossRuns(t *testing.T) {
	dsn := seedDB(t)
	mr := miniredis.RunT(t)
	cfgPath := filepath.Join(t.TempDir(), "qcore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
schema:
  dir: %s
cache:
  backend: networked
  redis:
    addr: %s
executor:
  driver: sqlite
  dsn: %s
`, schemaDir, mr.Addr(), dsn)), 0o644))

	run := func() QueryResult {
		out, err := execute(t, "query", "posts", "--config", cfgPath,
			"--tenant", "acme", "--filter", `{"status": "published"}`, "--fields", "id", "--format", "json")
		require.NoError(t, err)
		var result QueryResult
		decode(t, out, &result)
		return result
	}

	first := run()
	assert.False(t, first.Cached)
	assert.Equal(t, []float64{1, 3}, rowIDs(first.Rows))
	assert.True(t, mr.Exists("qc:"+first.Key))

	second := run()
	assert.True(t, second.Cached)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, []float64{1, 3}, rowIDs(second.Rows))

	// The query joins nothing, so a write to users leaves it cached.
	_, err := execute(t, "invalidate", "users", "--config", cfgPath)
	require.NoError(t, err)
	third := run()
	assert.True(t, third.Cached)

	_, err = execute(t, "invalidate", "posts", "--config", cfgPath)
	require.NoError(t, err)
	fourth := run()
	assert.False(t, fourth.Cached)
}

func TestQueryNoCache(t *testing.T) {
	dsn := seedDB(t)
	out, err := execute(t, "query", "tags", "--schema", schemaDir, "--dsn", dsn,
		"--scope", "system", "--no-cache", "--format", "json")
	require.NoError(t, err)

	var result QueryResult
	decode(t, out, &result)
	assert.Empty(t, result.Rows)
	assert.False(t, result.Cached)
}

func TestQueryErrors(t *testing.T) {
	dsn := seedDB(t)

	out, err := execute(t, "query", "posts", "--schema", schemaDir, "--dsn", dsn, "--scope", "system",
		"--filter", `{"nope": 1}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FIELD_NOT_FOUND")

	out, err = execute(t, "query", "posts", "--schema", schemaDir, "--driver", "postgres", "--scope", "system")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeExecutor)

	out, err = execute(t, "query", "posts", "--schema", schemaDir, "--driver", "oracle", "--scope", "system")
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeExecutor)
}

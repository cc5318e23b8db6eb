package store

import (
	"context"
	"fmt"

	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/queryir"
)

// Database is an executor that also accepts writes.
type Database interface {
	Run(ctx context.Context, q *queryir.CompiledQuery) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) error
	Dialect() operator.Dialect
	Close() error
}

var (
	_ Database = (*SQLite)(nil)
	_ Database = (*Postgres)(nil)
)

func (*SQLite) Dialect() operator.Dialect   { return operator.SQLite }
func (*Postgres) Dialect() operator.Dialect { return operator.Postgres }

// OpenDriver opens the database for driver ("sqlite" or "postgres"). An
// empty SQLite dsn opens a private in-memory database.
func OpenDriver(ctx context.Context, driver, dsn string) (Database, error) {
	d, err := operator.ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	switch d {
	case operator.Postgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres executor needs a dsn")
		}
		return OpenPostgres(ctx, dsn)
	default:
		if dsn == "" {
			dsn = ":memory:"
		}
		return Open(dsn)
	}
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baasix/querycore/internal/queryir"
)

// Postgres executes compiled queries over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Exec runs a statement that returns no rows.
func (p *Postgres) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Run executes q and returns every row.
func (p *Postgres) Run(ctx context.Context, q *queryir.CompiledQuery) ([]map[string]any, error) {
	rows, err := p.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	out := []map[string]any{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", q.Collection, err)
		}
		out = append(out, makeRow(cols, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s rows: %w", q.Collection, err)
	}
	return out, nil
}

// Close closes every pooled connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

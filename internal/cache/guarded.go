package cache

import (
	"context"
	"log/slog"
	"time"
)

// Guarded bounds every call to a networked backend with a timeout and
// turns failures into logged misses. Its methods never return a backend
// error, except Close.
type Guarded struct {
	inner   Store
	timeout time.Duration
	logger  *slog.Logger
}

var _ Store = (*Guarded)(nil)

// NewGuarded wraps inner. A timeout of 0 leaves the caller's deadline as the
// only bound.
func NewGuarded(inner Store, timeout time.Duration, opts ...Option) *Guarded {
	o := buildOptions(opts)
	return &Guarded{inner: inner, timeout: timeout, logger: o.logger}
}

// Unwrap returns the guarded store.
func (g *Guarded) Unwrap() Store { return g.inner }

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Guarded) fail(op, key string, err error) {
	logBypass(g.logger, g.inner.Name(), op, key, err)
}

func (g *Guarded) Get(ctx context.Context, key string) (*Entry, bool, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	e, ok, err := g.inner.Get(ctx, key)
	if err != nil {
		g.fail("get", key, err)
		return nil, false, nil
	}
	return e, ok, nil
}

func (g *Guarded) Set(ctx context.Context, key string, e *Entry) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.Set(ctx, key, e); err != nil {
		g.fail("set", key, err)
		// The write may have landed partially; drop what we can.
		_ = g.inner.Delete(ctx, key)
	}
	return nil
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.Delete(ctx, key); err != nil {
		g.fail("delete", key, err)
	}
	return nil
}

func (g *Guarded) DeleteByCollection(ctx context.Context, coll string) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.DeleteByCollection(ctx, coll); err != nil {
		g.fail("delete_by_collection", coll, err)
	}
	return nil
}

func (g *Guarded) Flush(ctx context.Context) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()
	if err := g.inner.Flush(ctx); err != nil {
		g.fail("flush", "", err)
	}
	return nil
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}

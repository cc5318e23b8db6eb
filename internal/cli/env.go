package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/baasix/querycore/internal/cache"
	"github.com/baasix/querycore/internal/config"
	"github.com/baasix/querycore/internal/engine"
	"github.com/baasix/querycore/internal/invalidation"
	"github.com/baasix/querycore/internal/logging"
	"github.com/baasix/querycore/internal/schema"
)

// errNoSchema is returned when neither --schema nor schema.dir is set.
var errNoSchema = errors.New("no schema directory: pass --schema or set schema.dir")

// env is what every command that touches the schema starts from.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	reg    *schema.Registry
}

// loadEnv reads the config and, when needSchema is set, the CUE schema.
// schemaDir overrides schema.dir.
func loadEnv(opts *RootOptions, schemaDir string, needSchema bool, stderr io.Writer) (*env, string, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, ErrCodeConfig, err
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := logging.New(cfg.Log, stderr)
	if err != nil {
		return nil, ErrCodeConfig, err
	}
	e := &env{cfg: cfg, logger: logger}
	if !needSchema {
		return e, "", nil
	}

	if schemaDir == "" {
		schemaDir = cfg.Schema.Dir
	}
	if schemaDir == "" {
		return nil, ErrCodeSchema, errNoSchema
	}
	cols, err := schema.LoadDir(schemaDir)
	if err != nil {
		return nil, ErrCodeSchema, err
	}
	if e.reg, err = schema.NewRegistry(cols...); err != nil {
		return nil, ErrCodeSchema, err
	}
	logger.Debug("schema loaded", "dir", schemaDir, "collections", len(cols))
	return e, "", nil
}

// cacheStack opens the configured cache backend with a bus whose versions
// live alongside it.
func (e *env) cacheStack() (*cache.Cache, *invalidation.Bus, func(), error) {
	storeCfg := e.cfg.CacheStore()
	store, err := cache.Open(storeCfg, cache.WithLogger(e.logger))
	if err != nil {
		return nil, nil, nil, err
	}
	versions := invalidation.OpenVersions(storeCfg, e.logger)
	bus := invalidation.New(e.reg, versions, invalidation.WithLogger(e.logger))
	c := cache.New(store, bus, cache.WithLogger(e.logger), cache.WithDefaultTTL(e.cfg.Cache.DefaultTTL))
	bus.SetEvictor(c)

	closeFn := func() {
		c.Close()
		versions.Close()
	}
	return c, bus, closeFn, nil
}

// engine builds an engine over the loaded schema. exec, c and bus may be nil.
func (e *env) engine(exec engine.Executor, c *cache.Cache, bus *invalidation.Bus, perms engine.PermissionSource) *engine.Engine {
	opts := []engine.Option{
		engine.WithDialect(e.cfg.Dialect()),
		engine.WithMaxDepth(e.cfg.Compiler.MaxDepth),
		engine.WithGeometry(e.cfg.Compiler.Geometry),
		engine.WithLogger(e.logger),
	}
	if perms != nil {
		opts = append(opts, engine.WithPermissions(perms))
	}
	return engine.New(e.reg, exec, c, bus, opts...)
}

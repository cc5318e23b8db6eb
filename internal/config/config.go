// Package config loads qcore settings from an optional file and QCORE_*
// environment variables, environment taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/baasix/querycore/internal/cache"
	"github.com/baasix/querycore/internal/logging"
	"github.com/baasix/querycore/internal/operator"
)

// EnvPrefix prefixes every environment override: cache.redis.addr is read
// from QCORE_CACHE_REDIS_ADDR.
const EnvPrefix = "QCORE"

// Config is the full qcore configuration.
type Config struct {
	Log      logging.Config `mapstructure:"log"`
	Schema   SchemaConfig   `mapstructure:"schema"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Compiler CompilerConfig `mapstructure:"compiler"`
	Executor ExecutorConfig `mapstructure:"executor"`
}

// SchemaConfig says where CUE collection definitions live.
type SchemaConfig struct {
	Dir string `mapstructure:"dir"`
}

// CacheConfig selects and tunes the cache backend. Only the networked
// backend shares invalidation versions across processes; memory and
// remote-http keep them in the process that opened the cache.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Redis      struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`
	HTTP struct {
		BaseURL string `mapstructure:"base_url"`
		Prefix  string `mapstructure:"prefix"`
	} `mapstructure:"http"`
}

type CompilerConfig struct {
	Dialect  string `mapstructure:"dialect"`
	MaxDepth int    `mapstructure:"max_depth"`
	Geometry bool   `mapstructure:"geometry"`
}

type ExecutorConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

var defaults = map[string]any{
	"log.level":            "info",
	"log.format":           "text",
	"log.add_source":       false,
	"schema.dir":           "",
	"cache.backend":        cache.BackendMemory,
	"cache.default_ttl":    cache.DefaultTTL,
	"cache.max_entries":    cache.DefaultMaxEntries,
	"cache.timeout":        250 * time.Millisecond,
	"cache.redis.addr":     "",
	"cache.redis.password": "",
	"cache.redis.db":       0,
	"cache.redis.prefix":   "qc:",
	"cache.http.base_url":  "",
	"cache.http.prefix":    "qc:",
	"compiler.dialect":     string(operator.SQLite),
	"compiler.max_depth":   5,
	"compiler.geometry":    false,
	"executor.driver":      "sqlite",
	"executor.dsn":         "",
}

// Load reads path (yaml, toml or json, by extension) when non-empty, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot type-check.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Cache.Backend {
	case cache.BackendMemory, cache.BackendNetworked, cache.BackendRemoteHTTP:
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must not be negative")
	}
	if _, err := operator.ParseDialect(c.Compiler.Dialect); err != nil {
		return fmt.Errorf("compiler.dialect: %w", err)
	}
	if c.Compiler.MaxDepth < 0 {
		return fmt.Errorf("compiler.max_depth must not be negative")
	}
	if _, err := operator.ParseDialect(c.Executor.Driver); err != nil {
		return fmt.Errorf("executor.driver: %w", err)
	}
	return nil
}

// Dialect returns the parsed compiler dialect. Call after Validate.
func (c *Config) Dialect() operator.Dialect {
	d, _ := operator.ParseDialect(c.Compiler.Dialect)
	return d
}

// CacheStore converts the cache section for cache.Open.
func (c *Config) CacheStore() cache.Config {
	out := cache.Config{
		Backend:    c.Cache.Backend,
		DefaultTTL: c.Cache.DefaultTTL,
		MaxEntries: c.Cache.MaxEntries,
		Timeout:    c.Cache.Timeout,
	}
	out.Redis.Addr = c.Cache.Redis.Addr
	out.Redis.Password = c.Cache.Redis.Password
	out.Redis.DB = c.Cache.Redis.DB
	out.Redis.Prefix = c.Cache.Redis.Prefix
	out.HTTP.BaseURL = c.Cache.HTTP.BaseURL
	out.HTTP.Prefix = c.Cache.HTTP.Prefix
	return out
}

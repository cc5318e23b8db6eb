package cache

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory     = "memory"
	BackendNetworked  = "networked"
	BackendRemoteHTTP = "remote-http"
)

// Config selects and parameterizes a backend.
type Config struct {
	Backend    string
	DefaultTTL time.Duration
	MaxEntries int
	Timeout    time.Duration
	Redis      RedisConfig
	HTTP       HTTPConfig
}

// RedisConfig holds the networked backend connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// HTTPConfig holds the remote HTTP backend settings.
type HTTPConfig struct {
	BaseURL string
	Prefix  string
}

// Open builds the store named by cfg.Backend. Networked backends come back
// wrapped in Guarded so their failures degrade to misses.
func Open(cfg Config, opts ...Option) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg.MaxEntries, opts...)

	case BackendNetworked:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("cache backend %q needs cache.redis.addr", cfg.Backend)
		}
		codec, err := NewCodec()
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewGuarded(NewRedis(client, cfg.Redis.Prefix, codec), cfg.Timeout, opts...), nil

	case BackendRemoteHTTP:
		if cfg.HTTP.BaseURL == "" {
			return nil, fmt.Errorf("cache backend %q needs cache.http.base_url", cfg.Backend)
		}
		codec, err := NewCodec()
		if err != nil {
			return nil, err
		}
		client := &http.Client{Timeout: cfg.Timeout}
		all := append([]Option{WithHTTPClient(client)}, opts...)
		return NewGuarded(NewRemoteHTTP(cfg.HTTP.BaseURL, cfg.HTTP.Prefix, codec, all...), cfg.Timeout, opts...), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q (want %s, %s or %s)",
		cfg.Backend, BackendMemory, BackendNetworked, BackendRemoteHTTP)
}

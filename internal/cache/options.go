package cache

import (
	"log/slog"
	"net/http"
	"time"
)

// DefaultTTL applies when neither the caller nor the configuration sets one.
const DefaultTTL = 5 * time.Minute

type options struct {
	clock      Clock
	logger     *slog.Logger
	ttl        time.Duration
	httpClient *http.Client
}

// Option configures the facade and the backends. Each constructor reads
// the options it understands and ignores the rest.
type Option func(*options)

// WithClock sets the time source used for StoredAt and expiry.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger for bypass and eviction messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDefaultTTL sets the TTL used by Cache.Set when the caller passes 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithHTTPClient sets the client RemoteHTTP uses.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:      systemClock{},
		logger:     slog.Default(),
		ttl:        DefaultTTL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lookups counts Get outcomes by backend: hit, miss or stale.
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_cache_lookups_total",
			Help: "Cache lookups by outcome",
		},
		[]string{"backend", "result"},
	)
	// sets counts successful populates.
	sets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_cache_sets_total",
			Help: "Cache entries stored",
		},
		[]string{"backend"},
	)
	// failures counts backend calls degraded to a bypass.
	failures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_cache_errors_total",
			Help: "Cache backend calls that failed and were bypassed",
		},
		[]string{"backend", "op"},
	)
	// evictions counts entries dropped by capacity or expiry.
	evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycore_cache_evictions_total",
			Help: "Cache entries evicted by capacity or expiry",
		},
		[]string{"backend", "reason"},
	)
)

// Package cache is the classification cache: attachment URL to category.
//
// The cache never fails a caller. When the backend is missing or erroring,
// lookups report absent and stores are dropped until it recovers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/charmbracelet/log"

	"packbot/internal/domain"
	"packbot/internal/metrics"
)

// Backend is a persistent string map. Get reports ok=false for missing keys
// without an error.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

// Maintainer is implemented by backends with periodic housekeeping.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

type Cache struct {
	backend Backend
	// degraded is set on the first failure of an outage and cleared on the
	// next successful backend call, so each outage logs once.
	degraded atomic.Bool
}

// New wraps backend. A nil backend yields a cache that is permanently
// unavailable.
func New(backend Backend) *Cache {
	c := &Cache{backend: backend}
	if backend == nil {
		c.degraded.Store(true)
		log.Warn("classification cache disabled: no backend")
	}
	return c
}

// Lookup returns the cached category for key.
func (c *Cache) Lookup(ctx context.Context, key string) (domain.Category, bool) {
	if c.backend == nil || key == "" {
		metrics.CacheOps.WithLabelValues("lookup", "miss").Inc()
		return "", false
	}
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.fail("lookup", err)
		metrics.CacheOps.WithLabelValues("lookup", "error").Inc()
		return "", false
	}
	c.markHealthy()
	if !ok {
		metrics.CacheOps.WithLabelValues("lookup", "miss").Inc()
		return "", false
	}
	cat, valid := domain.ParseStored(raw)
	if !valid {
		log.Warn("ignoring unreadable cache entry", "url", key, "value", raw)
		metrics.CacheOps.WithLabelValues("lookup", "unreadable").Inc()
		return "", false
	}
	metrics.CacheOps.WithLabelValues("lookup", "hit").Inc()
	return cat, true
}

// Store records category for key and reports whether it was persisted.
func (c *Cache) Store(ctx context.Context, key string, category domain.Category) bool {
	if c.backend == nil || key == "" {
		metrics.CacheOps.WithLabelValues("store", "dropped").Inc()
		return false
	}
	if err := c.backend.Put(ctx, key, string(category)); err != nil {
		c.fail("store", err)
		metrics.CacheOps.WithLabelValues("store", "dropped").Inc()
		return false
	}
	c.markHealthy()
	metrics.CacheOps.WithLabelValues("store", "ok").Inc()
	return true
}

// Available reports whether the last backend call succeeded.
func (c *Cache) Available() bool {
	return c.backend != nil && !c.degraded.Load()
}

// Size returns the number of stored entries, or an error wrapping
// domain.ErrCacheUnavailable.
func (c *Cache) Size(ctx context.Context) (int, error) {
	if c.backend == nil {
		return 0, domain.ErrCacheUnavailable
	}
	n, err := c.backend.Len(ctx)
	if err != nil {
		c.fail("size", err)
		return 0, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	c.markHealthy()
	return n, nil
}

// Check pings the backend and updates availability.
func (c *Cache) Check(ctx context.Context) error {
	if c.backend == nil {
		return domain.ErrCacheUnavailable
	}
	if err := c.backend.Ping(ctx); err != nil {
		c.fail("ping", err)
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	c.markHealthy()
	return nil
}

func (c *Cache) BackendName() string {
	if c.backend == nil {
		return "none"
	}
	return c.backend.Name()
}

// Maintain runs backend housekeeping when the backend supports it.
func (c *Cache) Maintain(ctx context.Context) error {
	m, ok := c.backend.(Maintainer)
	if !ok {
		return nil
	}
	if err := m.Maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("maintain %s cache: %w", c.backend.Name(), err)
	}
	return nil
}

func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) fail(op string, err error) {
	if c.degraded.CompareAndSwap(false, true) {
		log.Error("classification cache unavailable, continuing without it",
			"backend", c.backend.Name(), "op", op, "err", err)
	}
}

func (c *Cache) markHealthy() {
	if c.degraded.CompareAndSwap(true, false) {
		log.Info("classification cache recovered", "backend", c.backend.Name())
	}
}

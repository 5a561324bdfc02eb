// Package cache keeps one live session per credential so that concurrent
// requests carrying the same bearer token share a single upstream
// connection and handshake.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

// defaultCleanupInterval is how often idle entries are looked for.
const defaultCleanupInterval = time.Minute

// Value is what the cache holds. Err reports a terminal failure; a value
// with a non-nil Err is never handed out again.
type Value interface {
	Close() error
	Err() error
}

// Key identifies a cached session. Two requests share a session only when
// both the token and the variant match.
type Key struct {
	Token   string
	Variant string
}

// LogValue implements [slog.LogValuer] so keys can be logged without
// leaking the token.
func (k Key) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", Fingerprint(k.Token)),
		slog.String("variant", k.Variant),
	)
}

func (k Key) flightKey() string {
	return k.Token + "\x00" + k.Variant
}

// Fingerprint returns a short, stable, non-reversible identifier for a token.
func Fingerprint(token string) string {
	if token == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// Factory creates the value for a key. It receives a context that is not
// cancelled when the requesting caller gives up, since other callers may be
// waiting on the same creation.
type Factory[T Value] func(ctx context.Context, key Key) (T, error)

// Config holds cache configuration.
type Config struct {
	// IdleTimeout closes entries unused for this long. Zero disables it.
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

type entry[T Value] struct {
	value     T
	createdAt time.Time
	lastUsed  time.Time
}

// Cache maps keys to live values.
type Cache[T Value] struct {
	mu      sync.Mutex
	entries map[Key]*entry[T]
	group   singleflight.Group

	factory     Factory[T]
	idleTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache that builds missing values with factory.
func New[T Value](factory Factory[T], cfg Config) *Cache[T] {
	c := &Cache[T]{
		entries:     make(map[Key]*entry[T]),
		factory:     factory,
		idleTimeout: cfg.IdleTimeout,
		log:         logging.Or(cfg.Logger),
		now:         time.Now,
		stop:        make(chan struct{}),
	}

	if c.idleTimeout > 0 {
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = defaultCleanupInterval
		}
		go c.cleanupLoop(interval)
	}
	return c
}

// GetOrCreate returns the live value for key, creating it if needed.
// Concurrent callers for the same key share one creation.
func (c *Cache[T]) GetOrCreate(ctx context.Context, key Key) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key.flightKey(), func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		v, err := c.factory(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}

		now := c.now()
		c.mu.Lock()
		c.entries[key] = &entry[T]{value: v, createdAt: now, lastUsed: now}
		c.mu.Unlock()

		c.log.Info("created session", "key", key)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("failed to create session: %w", res.Err)
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// lookup returns a healthy cached value. A value that has failed is evicted
// and closed.
func (c *Cache[T]) lookup(key Key) (T, bool) {
	var zero T

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	if err := e.value.Err(); err != nil {
		delete(c.entries, key)
		c.mu.Unlock()

		c.log.Info("replacing failed session", "key", key, "error", err)
		c.closeValue(key, e.value)
		return zero, false
	}
	e.lastUsed = c.now()
	c.mu.Unlock()

	return e.value, true
}

// Invalidate closes and removes the session for key. It reports whether a
// session was present.
func (c *Cache[T]) Invalidate(key Key, reason string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.closeValue(key, e.value)
	c.log.Info("invalidated session", "key", key, "reason", reason)
	return true
}

// InvalidateOnError evicts the session for key when err says the
// credential was rejected. Other errors leave the session in place; the
// connection retries transient failures on its own.
func (c *Cache[T]) InvalidateOnError(key Key, err error) bool {
	if !apperrors.IsAuthFailure(err) {
		return false
	}
	return c.Invalidate(key, err.Error())
}

// Has reports whether a session exists for key.
func (c *Cache[T]) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of cached sessions.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CloseAll closes every cached session.
func (c *Cache[T]) CloseAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[Key]*entry[T])
	c.mu.Unlock()

	for key, e := range entries {
		c.closeValue(key, e.value)
	}
	c.log.Info("closed all sessions", "count", len(entries))
}

// Shutdown stops idle cleanup and closes every session.
func (c *Cache[T]) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.CloseAll()
}

func (c *Cache[T]) closeValue(key Key, v T) {
	if err := v.Close(); err != nil {
		c.log.Warn("error closing session", "key", key, "error", err)
	}
}

func (c *Cache[T]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictIdle()
		case <-c.stop:
			return
		}
	}
}

// evictIdle closes sessions idle for longer than the idle timeout.
func (c *Cache[T]) evictIdle() int {
	if c.idleTimeout <= 0 {
		return 0
	}

	now := c.now()
	idle := make(map[Key]*entry[T])

	c.mu.Lock()
	for key, e := range c.entries {
		if now.Sub(e.lastUsed) > c.idleTimeout {
			idle[key] = e
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for key, e := range idle {
		c.log.Info("closing idle session", "key", key, "idle", now.Sub(e.lastUsed))
		c.closeValue(key, e.value)
	}
	return len(idle)
}

// internal/store/cache.go
package store

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Read-through TTL cache in front of the Store.
 *
 * Caches the ordered active rules per entry point plus the entry points,
 * schemas and templates the engine looks up on every invocation. Entries
 * expire after the TTL (default 5 minutes) and are dropped immediately when
 * an Invalidation arrives on the bus.
 *
 * Each map carries a generation counter bumped on invalidation. A load that
 * started before an invalidation does not store its result, so a slow read
 * cannot resurrect data the invalidation meant to drop.
 *
 * Cached values are shared between concurrent invocations and must be
 * treated as read-only. Misses are not cached.
 */

// DefaultTTL bounds how long a cached entry survives without invalidation.
const DefaultTTL = 5 * time.Minute

// Reader is the read side of the Store.
type Reader interface {
	EntryPoint(ctx context.Context, code types.EntryPointCode) (*types.EntryPoint, error)
	ActiveRules(ctx context.Context, code types.EntryPointCode) ([]*types.Rule, error)
	Schema(ctx context.Context, fieldsCode string) (*types.ContextSchema, error)
	Template(ctx context.Context, id types.TemplateID) (*types.MessageTemplate, error)
}

type cached[V any] struct {
	value   V
	expires time.Time
}

type ttlMap[K comparable, V any] struct {
	mu    sync.RWMutex
	gen   uint64
	items map[K]cached[V]
}

func (m *ttlMap[K, V]) get(key K, now time.Time) (V, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.items[key]; ok && now.Before(e.expires) {
		return e.value, m.gen, true
	}
	var zero V
	return zero, m.gen, false
}

func (m *ttlMap[K, V]) put(key K, value V, expires time.Time, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	if m.items == nil {
		m.items = make(map[K]cached[V])
	}
	m.items[key] = cached[V]{value: value, expires: expires}
}

func (m *ttlMap[K, V]) drop(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	delete(m.items, key)
}

func (m *ttlMap[K, V]) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.items = nil
}

func (m *ttlMap[K, V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Cache is a Reader that caches another Reader.
type Cache struct {
	src    Reader
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	entryPoints ttlMap[types.EntryPointCode, *types.EntryPoint]
	rules       ttlMap[types.EntryPointCode, []*types.Rule]
	schemas     ttlMap[string, *types.ContextSchema]
	templates   ttlMap[types.TemplateID, *types.MessageTemplate]
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL sets the entry lifetime. A non-positive TTL disables caching.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithCacheClock overrides the expiry clock.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCacheLogger sets the cache's logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// NewCache wraps src. When bus is non-nil the cache subscribes to it.
func NewCache(src Reader, bus Bus, opts ...CacheOption) *Cache {
	c := &Cache{
		src: src,
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "store.cache")
	}
	if bus != nil {
		bus.Subscribe(c.Invalidate)
	}
	return c
}

func load[K comparable, V any](c *Cache, m *ttlMap[K, V], key K, fetch func() (V, error)) (V, error) {
	if c.ttl <= 0 {
		return fetch()
	}
	now := c.now()
	v, gen, ok := m.get(key, now)
	if ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	m.put(key, v, now.Add(c.ttl), gen)
	return v, nil
}

// EntryPoint returns the cached entry point.
func (c *Cache) EntryPoint(ctx context.Context, code types.EntryPointCode) (*types.EntryPoint, error) {
	return load(c, &c.entryPoints, code, func() (*types.EntryPoint, error) {
		return c.src.EntryPoint(ctx, code)
	})
}

// ActiveRules returns the cached ordered rules for an entry point.
func (c *Cache) ActiveRules(ctx context.Context, code types.EntryPointCode) ([]*types.Rule, error) {
	return load(c, &c.rules, code, func() ([]*types.Rule, error) {
		return c.src.ActiveRules(ctx, code)
	})
}

// Schema returns the cached context schema.
func (c *Cache) Schema(ctx context.Context, fieldsCode string) (*types.ContextSchema, error) {
	return load(c, &c.schemas, fieldsCode, func() (*types.ContextSchema, error) {
		return c.src.Schema(ctx, fieldsCode)
	})
}

// Template returns the cached message template.
func (c *Cache) Template(ctx context.Context, id types.TemplateID) (*types.MessageTemplate, error) {
	return load(c, &c.templates, id, func() (*types.MessageTemplate, error) {
		return c.src.Template(ctx, id)
	})
}

// Invalidate drops the entries inv names.
func (c *Cache) Invalidate(inv Invalidation) {
	switch inv.Kind {
	case KindRules:
		c.rules.drop(types.EntryPointCode(inv.Key))
	case KindEntryPoint:
		c.entryPoints.drop(types.EntryPointCode(inv.Key))
		c.rules.drop(types.EntryPointCode(inv.Key))
	case KindSchema:
		c.schemas.drop(inv.Key)
	case KindTemplate:
		id, err := strconv.ParseInt(inv.Key, 10, 64)
		if err != nil {
			c.templates.clear()
			break
		}
		c.templates.drop(types.TemplateID(id))
	default:
		c.Clear()
	}
	c.logger.Debug("cache invalidated", "kind", inv.Kind, "key", inv.Key, "origin", inv.Origin)
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.entryPoints.clear()
	c.rules.clear()
	c.schemas.clear()
	c.templates.clear()
}

// Len reports the number of cached entry point rule lists.
func (c *Cache) Len() int {
	return c.rules.len()
}

// internal/store/bus.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
 * Invalidation signalling.
 *
 * Rule admin changes raise an Invalidation naming what changed. LocalBus
 * delivers synchronously to subscribers in this process. RedisBus delivers
 * locally first, then publishes on InvalidationChannel so every other
 * process sharing the database drops its cached copy too. Messages carry
 * the publisher's origin so a process ignores its own echo.
 *
 * Redis is optional: losing a message only delays the change until the
 * cache TTL expires.
 */

// InvalidationChannel is the Redis pub/sub channel for cache invalidations.
const InvalidationChannel = "tollgate:rules:invalidate"

// Invalidation kinds.
const (
	KindRules      = "rules"
	KindEntryPoint = "entry_point"
	KindSchema     = "schema"
	KindTemplate   = "template"
	KindAll        = "all"
)

// Invalidation names one changed entity. Key is the entry point code for
// rules and entry points, the fields_code for schemas, and the decimal id
// for templates. KindAll ignores Key.
type Invalidation struct {
	Kind   string `json:"kind"`
	Key    string `json:"key,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Bus carries invalidations to subscribers.
type Bus interface {
	Publish(ctx context.Context, inv Invalidation) error
	Subscribe(fn func(Invalidation))
}

// LocalBus delivers invalidations to in-process subscribers.
type LocalBus struct {
	mu   sync.RWMutex
	subs []func(Invalidation)
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish delivers inv to every subscriber before returning.
func (b *LocalBus) Publish(_ context.Context, inv Invalidation) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(inv)
	}
	return nil
}

// Subscribe registers fn for every later Publish.
func (b *LocalBus) Subscribe(fn func(Invalidation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs[:len(b.subs):len(b.subs)], fn)
}

// collectBus buffers invalidations raised inside a transaction.
type collectBus struct {
	pending []Invalidation
}

func (b *collectBus) Publish(_ context.Context, inv Invalidation) error {
	b.pending = append(b.pending, inv)
	return nil
}

func (b *collectBus) Subscribe(func(Invalidation)) {}

// Connect initializes a Redis client from URL or host:port input and
// verifies it answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisBus fans invalidations out across processes over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	origin string
	local  *LocalBus
	logger *slog.Logger
}

// NewRedisBus creates a bus publishing on client. Call Run to receive
// invalidations from other processes.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}
	return &RedisBus{
		client: client,
		origin: uuid.NewString(),
		local:  NewLocalBus(),
		logger: logger,
	}
}

// Publish delivers inv locally, then to other processes.
func (b *RedisBus) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = b.origin
	b.local.Publish(ctx, inv)

	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe registers fn for local and remote invalidations.
func (b *RedisBus) Subscribe(fn func(Invalidation)) {
	b.local.Subscribe(fn)
}

// Run receives invalidations from other processes until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", InvalidationChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				b.logger.Warn("malformed invalidation", "payload", msg.Payload, "error", err)
				continue
			}
			if inv.Origin == b.origin {
				continue
			}
			b.local.Publish(ctx, inv)
		}
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/core/api"
	"github.com/solatis/tollgate/internal/core/config"
	"github.com/solatis/tollgate/internal/core/db"
	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/functions"
	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/store"
	"github.com/solatis/tollgate/internal/types"
)

// components is the assembled rules stack shared by serve, seed and evaluate.
type components struct {
	store   *store.Store
	service *api.Service

	redis *store.RedisBus
	close func()
}

// newBus returns a Redis-backed bus when a URL is configured, else an
// in-process one.
func newBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Bus, *store.RedisBus, func(), error) {
	if cfg.Redis.URL == "" {
		return store.NewLocalBus(), nil, func() {}, nil
	}
	client, err := store.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	rb := store.NewRedisBus(client, logger)
	return rb, rb, func() { closeRedis(client, logger) }, nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close failed", "error", err)
	}
}

// buildComponents wires store, cache, engine, ledger, gate and service
// over one set of queries.
func buildComponents(ctx context.Context, cfg *config.Config, q *db.Queries, logger *slog.Logger) (*components, error) {
	bus, rb, closeBus, err := newBus(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	funcs := functions.NewDefault(
		functions.WithTimeout(cfg.Engine.FunctionTimeout),
		functions.WithLogger(logger.With("component", "functions")),
	)
	st := store.New(q,
		store.WithBus(bus),
		store.WithFunctions(funcs),
		store.WithLogger(logger.With("component", "store")),
	)
	cache := store.NewCache(st, bus,
		store.WithTTL(cfg.Engine.RuleCacheTTL),
		store.WithCacheLogger(logger.With("component", "store.cache")),
	)
	l := ledger.New(q, ledger.WithLogger(logger.With("component", "ledger")))

	engineOpts := []engine.Option{
		engine.WithLedger(l),
		engine.WithLogger(logger.With("component", "engine")),
	}
	var sink *audit.SQLSink
	if cfg.Engine.AuditEnabled {
		sink = audit.NewSQLSink(q, logger.With("component", "audit"))
		engineOpts = append(engineOpts, engine.WithRecorder(sink))
	}
	eng := engine.New(cache, funcs, engineOpts...)

	// Compiled schemas follow the cache
	bus.Subscribe(func(inv store.Invalidation) {
		if inv.Kind == store.KindSchema {
			eng.Validator().Invalidate(inv.Key)
		}
	})

	entryPoints := make([]types.EntryPointCode, 0, len(cfg.Engine.GateEntryPoints))
	for _, code := range cfg.Engine.GateEntryPoints {
		entryPoints = append(entryPoints, types.EntryPointCode(code))
	}
	g := gate.New(eng, l,
		gate.WithEntryPoints(entryPoints...),
		gate.WithLogger(logger.With("component", "gate")),
	)

	serviceOpts := []api.Option{
		api.WithTimeout(cfg.Server.RequestTimeout),
		api.WithLogger(logger.With("component", "api")),
	}
	if sink != nil {
		serviceOpts = append(serviceOpts, api.WithAuditReader(sink))
	}
	svc, err := api.NewService(eng, l, g, serviceOpts...)
	if err != nil {
		closeBus()
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	return &components{
		store:   st,
		service: svc,
		redis:   rb,
		close:   closeBus,
	}, nil
}

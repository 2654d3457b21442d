// Package app wires configuration into the store, price oracle and portfolio
// service shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradetracker/portfolio-engine/internal/config"
	"github.com/tradetracker/portfolio-engine/internal/oracle"
	"github.com/tradetracker/portfolio-engine/internal/portfolio"
	"github.com/tradetracker/portfolio-engine/internal/store"
)

// App holds the long-lived dependencies. Close releases them in reverse
// order of creation.
type App struct {
	Store    store.Store
	Postgres *store.PostgresStore // nil with the in-memory store
	Oracle   oracle.Oracle
	Service  *portfolio.Service

	cleanup []func()
}

// New connects the backing services described by cfg. Notifier may be nil.
func New(ctx context.Context, cfg *config.Config, notifier portfolio.Notifier) (*App, error) {
	a := &App{}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("Redis cache enabled")
	}

	// --- Store ---
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.Postgres = store.NewPostgresStore(pool)
		a.Store = a.Postgres
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			a.Store = store.NewCachedStore(a.Store, rdb, cfg.PositionsCacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Prices ---
	var src oracle.Source
	switch cfg.PriceSource {
	case config.SourceStatic:
		prices, err := oracle.ParseStatic(cfg.StaticPrices)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("STATIC_PRICES: %w", err)
		}
		src = oracle.NewStaticSource(prices)
	default:
		src = oracle.NewBinanceSource(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.QuoteAsset)
	}

	var cache oracle.Cache
	if cfg.PriceCacheTTL > 0 {
		if rdb != nil {
			cache = oracle.NewRedisCache(rdb, cfg.PriceCacheTTL)
		} else {
			cache = oracle.NewMemoryCache(cfg.PriceCacheTTL)
		}
	}
	a.Oracle = oracle.NewResolver(src, cache, cfg.QuoteAsset, cfg.PriceTimeout)

	fee := cfg.DefaultFee
	a.Service = portfolio.NewService(a.Store, a.Oracle, portfolio.Options{
		Quote:      cfg.QuoteAsset,
		DefaultFee: &fee,
		Notifier:   notifier,
	})
	return a, nil
}

// Close releases every connection opened by New.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

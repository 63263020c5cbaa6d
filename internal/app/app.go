// Package app wires the availability service from configuration. The API
// server and the janitor both start from here so they agree on the store,
// cache and lock backends.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/api"
	"github.com/hackgods/clinic-availability/internal/availability"
	"github.com/hackgods/clinic-availability/internal/cache"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/db"
	"github.com/hackgods/clinic-availability/internal/metrics"
	redisclient "github.com/hackgods/clinic-availability/internal/redis"
)

const (
	cachePrefix      = "clinic:"
	connectTimeout   = 10 * time.Second
	memoryCacheSweep = time.Minute
)

type App struct {
	Service *availability.Service
	Metrics *metrics.Metrics
	Deps    []api.Dependency

	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// Open connects the configured backends and builds the service. Metrics are
// registered with reg.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{log: log}

	var repo availability.Repository
	switch cfg.StoreBackend {
	case config.StorePostgres:
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN, cfg.PostgresMaxConn)
		cancel()
		if err != nil {
			return nil, err
		}
		a.pool = pool
		repo = availability.NewPgRepository(pool, cfg.LockTimeout)
		a.Deps = append(a.Deps, api.Dependency{Name: "postgres", Critical: true, Ping: pool.Ping})
		log.Info().Msg("connected to Postgres")
	case config.StoreMemory:
		repo = availability.NewMemoryRepository(cfg.LockTimeout)
		log.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		return nil, errors.New("unknown store backend " + cfg.StoreBackend)
	}

	var (
		slotCache availability.SlotCache
		locker    availability.Locker
	)
	switch cfg.CacheBackend {
	case config.CacheRedis:
		rdb, err := redisclient.NewRedisClient(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rdb = rdb
		slotCache = cache.NewRedisStore(rdb, cachePrefix)
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		a.Deps = append(a.Deps, api.Dependency{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	default:
		slotCache = cache.NewMemoryStore(memoryCacheSweep)
	}

	a.Metrics = metrics.New(reg)
	a.Service = availability.NewService(repo, slotCache, locker, cfg,
		availability.WithLogger(log),
		availability.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

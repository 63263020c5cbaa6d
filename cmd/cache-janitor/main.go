package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-availability/internal/app"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/logger"
	"github.com/hackgods/clinic-availability/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg, "cache-janitor")

	// The queue lives in Postgres and the cache must be shared, so the
	// in-memory backends would only ever see their own process.
	if cfg.StoreBackend != config.StorePostgres || cfg.CacheBackend != config.CacheRedis {
		log.Fatal().
			Str("store", cfg.StoreBackend).
			Str("cache", cfg.CacheBackend).
			Msg("cache-janitor needs the postgres store and the redis cache")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(rootCtx, cfg, log, prometheus.NewRegistry())
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	worker.RunJanitor(rootCtx, a.Service, worker.JanitorConfig{Interval: cfg.WorkerInterval}, log)
}

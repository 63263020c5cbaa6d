// Package worker runs the background loop that drains failed cache
// invalidations.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Retrier re-attempts queued cache deletes.
type Retrier interface {
	RetryInvalidations(ctx context.Context, limit int) (int, error)
}

type JanitorConfig struct {
	Interval   time.Duration
	BatchSize  int
	RunTimeout time.Duration
}

// RunJanitor drains the invalidation queue once at start and then every
// Interval until ctx is cancelled.
func RunJanitor(ctx context.Context, r Retrier, cfg JanitorConfig, log zerolog.Logger) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 20 * time.Second
	}

	log.Info().Dur("interval", cfg.Interval).Int("batch", cfg.BatchSize).Msg("cache janitor started")
	RunOnce(ctx, r, cfg, log)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cache janitor stopped")
			return
		case <-ticker.C:
			RunOnce(ctx, r, cfg, log)
		}
	}
}

// RunOnce performs a single drain and reports how many keys were resolved.
func RunOnce(ctx context.Context, r Retrier, cfg JanitorConfig, log zerolog.Logger) int {
	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	resolved, err := r.RetryInvalidations(runCtx, cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Int("resolved", resolved).Msg("invalidation retry run failed")
		return resolved
	}
	if resolved > 0 {
		log.Info().Int("resolved", resolved).Dur("took", time.Since(start)).Msg("invalidation retry run complete")
	} else {
		log.Debug().Dur("took", time.Since(start)).Msg("invalidation retry run complete")
	}
	return resolved
}

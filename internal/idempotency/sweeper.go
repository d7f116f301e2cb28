package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nabdchainsystem-alt/nabdchain-sub000/internal/metrics"
)

// Sweeper reclaims expired idempotency records off the request path.
// It only deletes rows already past expiry, so racing a live lookup just
// turns that lookup into a miss.
type Sweeper struct {
	store    Store
	interval time.Duration // Time between sweeps
	now      func() time.Time
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the sweep loop until ctx is cancelled
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting idempotency sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency sweeper")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to sweep expired idempotency records")
			}
		}
	}
}

// SweepOnce deletes every record whose expiry has passed
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	deleted, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	metrics.IdempotencyRecordsSweptTotal.Add(float64(deleted))
	if deleted > 0 {
		log.Info().
			Str("component", "idempotency_sweeper").
			Int64("deleted", deleted).
			Msg("reclaimed expired idempotency records")
	}

	return deleted, nil
}

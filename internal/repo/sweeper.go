package repo

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically reclaims sessions that expired more than retention ago.
// Reads never depend on it: expiry is evaluated lazily on every access.
type Sweeper struct {
	repo      SessionRepo
	interval  time.Duration
	retention time.Duration
	now       Clock
	logger    zerolog.Logger
}

// NewSweeper creates a sweeper. A retention of zero reclaims sessions as soon as they expire.
func NewSweeper(repo SessionRepo, interval, retention time.Duration, logger zerolog.Logger, opts ...Option) *Sweeper {
	o := buildOptions(opts)
	if retention < 0 {
		retention = 0
	}
	return &Sweeper{
		repo:      repo,
		interval:  interval,
		retention: retention,
		now:       o.now,
		logger:    logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info().Msg("session sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("session sweep failed")
			}
		}
	}
}

// SweepOnce deletes every session whose expires_at is older than now - retention.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.repo.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug().Int("purged", n).Time("cutoff", cutoff).Msg("expired sessions reclaimed")
	}
	return n, nil
}

package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RunSweeper removes expired and corrupt records independently of writes:
// once after startupDelay, then on every interval tick, until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, startupDelay, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
	}
	s.sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.maxAge)
	removed, err := s.PurgeOlderThan(cutoff, "")
	if err != nil {
		log.Error().Err(err).Str("module", "cache").Msg("expiry sweep failed")
		return
	}
	log.Debug().Str("module", "cache").Int("removed", removed).Msg("expiry sweep done")
}

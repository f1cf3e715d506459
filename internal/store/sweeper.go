package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/logger"
)

// Sweeper reaps expired chat state and pending-compaction markers in the
// background. Reads already treat expired rows as absent, so the sweep only
// reclaims space; it is not a correctness mechanism.
type Sweeper struct {
	repo     Repository
	interval time.Duration
	log      *logger.Logger
}

// NewSweeper creates a sweeper. A non-positive interval defaults to 10
// minutes.
func NewSweeper(repo Repository, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{repo: repo, interval: interval, log: log}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.repo.SweepExpired(ctx)
			if err != nil {
				s.log.WithError(err).Warn("store sweep failed")
				continue
			}
			if removed > 0 {
				s.log.Debug("swept expired store rows", zap.Int64("removed", removed))
			}
		}
	}
}

package registry

import (
	"context"
	"time"

	"github.com/carverauto/fleetreg/pkg/logger"
)

// Sweeper periodically marks quiet agents offline.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	clock    func() time.Time
	log      logger.Logger
}

// NewSweeper creates a sweeper running at the registry's configured
// interval.
func NewSweeper(reg *Registry, log logger.Logger) *Sweeper {
	return &Sweeper{
		reg:      reg,
		interval: reg.cfg.SweepInterval.Std(),
		clock:    time.Now,
		log:      log,
	}
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := s.reg.SweepOffline(s.clock()); swept > 0 {
				s.log.Info().Int("count", swept).Msg("agents marked offline by liveness sweep")
			}
		}
	}
}

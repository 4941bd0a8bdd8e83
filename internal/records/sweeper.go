package records

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper runs Service.Sweep on an interval in the background. It is an
// optional complement to the sweep Create already performs inline.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper but does not start it. An interval <= 0
// leaves it disabled.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately, then on every tick until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		log.Info().Msg("background sweeper disabled")
		close(s.done)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	log.Info().Dur("interval", s.interval).Msg("background sweeper started")
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.svc.Sweep(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("background sweep failed")
	}
}

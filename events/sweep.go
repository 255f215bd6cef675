package events

import (
	"time"

	"github.com/burrowql/burrow/store"
	"github.com/burrowql/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically returns stale locks to the available state so events
// claimed by crashed instances get redelivered. Every instance runs one; the
// unlock is idempotent, so overlap between instances is harmless.
type Sweeper struct {
	store     *store.Store
	latch     *Latch
	threshold time.Duration
	interval  time.Duration
	doneCh    chan struct{}
}

// NewSweeper creates a stale lock sweeper
func NewSweeper(st *store.Store, latch *Latch, threshold time.Duration) *Sweeper {
	interval := threshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Sweeper{
		store:     st,
		latch:     latch,
		threshold: threshold,
		interval:  interval,
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately so locks
// left by a previous crash of this very instance are reclaimed at startup.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)

		s.sweep()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.latch.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
	log.Info().Dur("threshold", s.threshold).Dur("interval", s.interval).Msg("Stale lock sweeper started")
}

// WaitStopped blocks until the sweep loop exits
func (s *Sweeper) WaitStopped() {
	<-s.doneCh
}

func (s *Sweeper) sweep() {
	reclaimed, err := s.store.UnlockStale(s.threshold)
	if err != nil {
		log.Warn().Err(err).Msg("Stale lock sweep failed")
		return
	}
	if reclaimed > 0 {
		telemetry.StaleLocksReclaimed.Add(float64(reclaimed))
		log.Info().Int64("reclaimed", reclaimed).Msg("Reclaimed stale event locks")
	}
}

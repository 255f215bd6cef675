package events

import (
	"sync"
	"time"

	"github.com/burrowql/burrow/store"
	"github.com/rs/zerolog/log"
)

// Latch is the process-wide one-shot termination signal. Created open,
// tripped exactly once, observed cooperatively at the top of every
// background loop iteration.
type Latch struct {
	ch   chan struct{}
	once sync.Once
}

// NewLatch creates an open latch
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Trip flips the latch. Safe to call more than once.
func (l *Latch) Trip() {
	l.once.Do(func() {
		close(l.ch)
	})
}

// Done returns the channel closed when the latch trips
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// Tripped reports whether the latch has fired
func (l *Latch) Tripped() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Coordinator drains in-flight event deliveries at termination. Draining is
// best-effort: it waits for the registry to empty within the wall-clock
// budget, then proceeds regardless of what is left.
type Coordinator struct {
	registry *Registry
	store    *store.Store
	instance string
	budget   time.Duration
	tick     time.Duration
}

// NewCoordinator creates a shutdown coordinator
func NewCoordinator(registry *Registry, st *store.Store, instance string, budget time.Duration) *Coordinator {
	return &Coordinator{
		registry: registry,
		store:    st,
		instance: instance,
		budget:   budget,
		tick:     250 * time.Millisecond,
	}
}

// Drain blocks until every claimed event reaches a terminal ack or the
// budget elapses. With zero in-flight events it returns immediately.
//
// At timeout, cron and scheduled locks are force-unlocked in the store so a
// live peer can claim and redeliver them. Trigger-event deliveries are only
// awaited; their leftovers fall to the stale-lock sweep.
func (c *Coordinator) Drain() {
	total := c.registry.Total()
	if total == 0 {
		log.Info().Msg("No in-flight events, shutdown proceeding immediately")
		return
	}

	log.Info().Int("in_flight", total).Dur("budget", c.budget).Msg("Draining in-flight events")

	deadline := time.Now().Add(c.budget)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for range ticker.C {
		total = c.registry.Total()
		if total == 0 {
			log.Info().Msg("All in-flight events drained")
			return
		}
		if time.Now().After(deadline) {
			break
		}
	}

	// Budget elapsed; hand globally-visible locks to live peers
	unlocked, err := c.store.UnlockInstance(c.instance, store.ClassCron, store.ClassScheduled)
	if err != nil {
		log.Error().Err(err).Msg("Failed to force-unlock events at shutdown")
	} else if unlocked > 0 {
		log.Warn().Int64("unlocked", unlocked).Msg("Force-unlocked events for other instances to claim")
	}

	log.Error().
		Int("remaining", c.registry.Total()).
		Dur("budget", c.budget).
		Msg("Shutdown drain budget elapsed with events still in flight, proceeding anyway")
}

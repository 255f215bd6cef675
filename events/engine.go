package events

import (
	"context"
	"sync"
	"time"

	"github.com/burrowql/burrow/store"
	"github.com/burrowql/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// Source is the capability set one event class plugs into the generic
// delivery engine. Everything else (fetch cadence, worker pool, registry
// bookkeeping, terminal acks) is shared across classes.
type Source interface {
	Class() store.Class
	FetchAndLockBatch(limit int) ([]store.Event, error)
	Deliver(ctx context.Context, ev store.Event) Outcome
	AckSuccess(ev store.Event, tries int) error
	AckPermanentFailure(ev store.Event, tries int, detail string) error
}

// EngineConfig tunes one class's delivery loop
type EngineConfig struct {
	FetchInterval time.Duration
	BatchSize     int
	PoolSize      int
}

// Engine runs the claim-deliver-ack loop for one event class. Claimed events
// are registered before delivery starts and deregistered only after their
// terminal ack, so the shutdown coordinator sees the true in-flight set.
type Engine struct {
	source   Source
	registry *Registry
	latch    *Latch

	interval time.Duration
	batch    int
	slots    chan struct{}

	wg     sync.WaitGroup
	doneCh chan struct{}
}

// NewEngine creates a delivery engine for one event class
func NewEngine(source Source, registry *Registry, latch *Latch, config EngineConfig) *Engine {
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	if config.PoolSize < 1 {
		config.PoolSize = 1
	}
	// Never claim more rows than workers can start on immediately
	if config.BatchSize > config.PoolSize {
		config.BatchSize = config.PoolSize
	}

	return &Engine{
		source:   source,
		registry: registry,
		latch:    latch,
		interval: config.FetchInterval,
		batch:    config.BatchSize,
		slots:    make(chan struct{}, config.PoolSize),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the fetch loop
func (e *Engine) Start() {
	go e.loop()
	log.Info().
		Str("class", string(e.source.Class())).
		Dur("interval", e.interval).
		Int("batch", e.batch).
		Int("pool", cap(e.slots)).
		Msg("Event delivery engine started")
}

// WaitStopped blocks until the fetch loop has exited after the latch
// tripped. In-flight workers may still be running; the shutdown coordinator
// tracks those through the registry.
func (e *Engine) WaitStopped() {
	<-e.doneCh
}

func (e *Engine) loop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	class := string(e.source.Class())
	for {
		select {
		case <-e.latch.Done():
			// Stop claiming new work immediately, leave in-flight alone
			log.Info().Str("class", class).Msg("Event fetch loop stopping")
			return
		case <-ticker.C:
		}

		events, err := e.source.FetchAndLockBatch(e.batch)
		if err != nil {
			log.Warn().Err(err).Str("class", class).Msg("Failed to fetch events")
			continue
		}
		if len(events) == 0 {
			continue
		}
		telemetry.EventsFetchedTotal.With(class).Add(float64(len(events)))

		for _, ev := range events {
			e.registry.Add(ev.Class, ev.ID)
			select {
			case e.slots <- struct{}{}:
			case <-e.latch.Done():
				// Parked on a full pool at shutdown. The delivery never
				// started, so deregister the claim; its locked row goes
				// back through force-unlock or the stale-lock sweep.
				e.registry.Remove(ev.Class, ev.ID)
				log.Info().Str("class", class).Msg("Event fetch loop stopping")
				return
			}
			e.wg.Add(1)
			go e.process(ev)
		}
	}
}

// process delivers one event to its terminal state. Runs to completion even
// after the latch trips; the shutdown coordinator decides how long to wait.
func (e *Engine) process(ev store.Event) {
	defer e.wg.Done()
	defer func() { <-e.slots }()
	defer e.registry.Remove(ev.Class, ev.ID)

	class := string(ev.Class)
	outcome := e.source.Deliver(context.Background(), ev)

	if outcome.Delivered {
		if err := e.source.AckSuccess(ev, outcome.Tries); err != nil {
			log.Error().Err(err).Str("class", class).Int64("event", ev.ID).
				Msg("Failed to ack delivered event")
			return
		}
		telemetry.EventsDeliveredTotal.With(class, "delivered").Inc()
		log.Debug().Str("class", class).Int64("event", ev.ID).Int("tries", outcome.Tries).
			Msg("Event delivered")
		return
	}

	if err := e.source.AckPermanentFailure(ev, outcome.Tries, outcome.Detail); err != nil {
		log.Error().Err(err).Str("class", class).Int64("event", ev.ID).
			Msg("Failed to ack failed event")
		return
	}
	telemetry.EventsDeliveredTotal.With(class, "failed").Inc()
	log.Warn().Str("class", class).Int64("event", ev.ID).Int("tries", outcome.Tries).
		Str("detail", outcome.Detail).Msg("Event permanently failed")
}

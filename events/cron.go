package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/burrowql/burrow/schema"
	"github.com/burrowql/burrow/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CronSource feeds materialized cron occurrences through the generic
// delivery engine
type CronSource struct {
	store     *store.Store
	deliverer *Deliverer
	instance  string
}

// NewCronSource creates the cron event class
func NewCronSource(st *store.Store, deliverer *Deliverer, instance string) *CronSource {
	return &CronSource{store: st, deliverer: deliverer, instance: instance}
}

func (c *CronSource) Class() store.Class {
	return store.ClassCron
}

func (c *CronSource) FetchAndLockBatch(limit int) ([]store.Event, error) {
	return c.store.FetchAndLockBatch(store.ClassCron, c.instance, limit)
}

func (c *CronSource) Deliver(ctx context.Context, ev store.Event) Outcome {
	return c.deliverer.Deliver(ctx, ev)
}

func (c *CronSource) AckSuccess(ev store.Event, tries int) error {
	return c.store.AckDelivered(store.ClassCron, ev.ID, tries)
}

func (c *CronSource) AckPermanentFailure(ev store.Event, tries int, detail string) error {
	return c.store.AckFailed(store.ClassCron, ev.ID, tries, detail)
}

// CronGenerator materializes upcoming cron occurrences into the store.
// Every instance runs one; duplicate inserts collapse on the (name, due_time)
// unique constraint, so no leader election is needed.
type CronGenerator struct {
	store   *store.Store
	manager *schema.Manager
	latch   *Latch

	horizon  time.Duration
	interval time.Duration
	doneCh   chan struct{}
}

// NewCronGenerator creates an occurrence generator reading cron triggers
// from the current snapshot
func NewCronGenerator(st *store.Store, manager *schema.Manager, latch *Latch, horizon time.Duration) *CronGenerator {
	interval := horizon / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return &CronGenerator{
		store:    st,
		manager:  manager,
		latch:    latch,
		horizon:  horizon,
		interval: interval,
		doneCh:   make(chan struct{}),
	}
}

// Start launches the generation loop. The first pass runs immediately so
// occurrences exist before the first tick.
func (g *CronGenerator) Start() {
	go func() {
		defer close(g.doneCh)

		g.generate()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		for {
			select {
			case <-g.latch.Done():
				return
			case <-ticker.C:
				g.generate()
			}
		}
	}()
	log.Info().Dur("horizon", g.horizon).Dur("interval", g.interval).Msg("Cron occurrence generator started")
}

// WaitStopped blocks until the generation loop exits
func (g *CronGenerator) WaitStopped() {
	<-g.doneCh
}

// generate walks the current snapshot's cron triggers and inserts every
// occurrence due inside the horizon
func (g *CronGenerator) generate() {
	snap := g.manager.Current()
	if snap == nil {
		return
	}

	now := time.Now()
	limit := now.Add(g.horizon)

	for _, trigger := range snap.CronTriggers {
		schedule, err := cron.ParseStandard(trigger.Schedule)
		if err != nil {
			// Unparsable schedules were reported as inconsistent at build time
			continue
		}

		payload, err := encodeCronPayload(trigger.Payload)
		if err != nil {
			log.Warn().Err(err).Str("trigger", trigger.Name).Msg("Failed to encode cron payload")
			continue
		}

		inserted := 0
		for next := schedule.Next(now); !next.IsZero() && next.Before(limit); next = schedule.Next(next) {
			if err := g.store.InsertEvent(store.ClassCron, trigger.Name, "", trigger.WebhookURL, payload, next); err != nil {
				log.Warn().Err(err).Str("trigger", trigger.Name).Time("due", next).
					Msg("Failed to insert cron occurrence")
				break
			}
			inserted++
		}
		if inserted > 0 {
			log.Debug().Str("trigger", trigger.Name).Int("occurrences", inserted).Msg("Cron occurrences materialized")
		}
	}
}

func encodeCronPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return store.EncodePayload(v)
}

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/burrowql/burrow/store"
)

// ScheduledSource feeds one-off scheduled events through the generic
// delivery engine
type ScheduledSource struct {
	store     *store.Store
	deliverer *Deliverer
	instance  string
}

// NewScheduledSource creates the scheduled event class
func NewScheduledSource(st *store.Store, deliverer *Deliverer, instance string) *ScheduledSource {
	return &ScheduledSource{store: st, deliverer: deliverer, instance: instance}
}

func (s *ScheduledSource) Class() store.Class {
	return store.ClassScheduled
}

func (s *ScheduledSource) FetchAndLockBatch(limit int) ([]store.Event, error) {
	return s.store.FetchAndLockBatch(store.ClassScheduled, s.instance, limit)
}

func (s *ScheduledSource) Deliver(ctx context.Context, ev store.Event) Outcome {
	return s.deliverer.Deliver(ctx, ev)
}

func (s *ScheduledSource) AckSuccess(ev store.Event, tries int) error {
	return s.store.AckDelivered(store.ClassScheduled, ev.ID, tries)
}

func (s *ScheduledSource) AckPermanentFailure(ev store.Event, tries int, detail string) error {
	return s.store.AckFailed(store.ClassScheduled, ev.ID, tries, detail)
}

// Enqueue schedules a one-off webhook delivery at the given time. The row is
// durable before this returns; any instance may end up delivering it.
func (s *ScheduledSource) Enqueue(name, webhook string, payload any, at time.Time) error {
	if name == "" {
		return fmt.Errorf("scheduled event name is required")
	}
	if webhook == "" {
		return fmt.Errorf("scheduled event webhook is required")
	}

	encoded, err := store.EncodePayload(payload)
	if err != nil {
		return err
	}
	return s.store.InsertEvent(store.ClassScheduled, name, "", webhook, encoded, at)
}

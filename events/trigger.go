package events

import (
	"context"
	"fmt"
	"time"

	"github.com/burrowql/burrow/metadata"
	"github.com/burrowql/burrow/schema"
	"github.com/burrowql/burrow/store"
	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ChangeOp is a data change operation observed on a tracked table
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangePayload is the body enqueued for each matched event trigger
type ChangePayload struct {
	Trigger   string         `msgpack:"trigger"`
	Source    string         `msgpack:"source"`
	Table     string         `msgpack:"table"`
	Operation string         `msgpack:"operation"`
	Old       map[string]any `msgpack:"old,omitempty"`
	New       map[string]any `msgpack:"new,omitempty"`
}

// TriggerSource feeds data-change events through the generic delivery engine
// and enqueues new ones as changes are observed. Trigger matching runs
// against the current snapshot, so a metadata change takes effect on the next
// enqueued change without restarts.
type TriggerSource struct {
	store     *store.Store
	deliverer *Deliverer
	manager   *schema.Manager
	instance  string

	globCache *xsync.MapOf[string, glob.Glob]
}

// NewTriggerSource creates the trigger event class
func NewTriggerSource(st *store.Store, deliverer *Deliverer, manager *schema.Manager, instance string) *TriggerSource {
	return &TriggerSource{
		store:     st,
		deliverer: deliverer,
		manager:   manager,
		instance:  instance,
		globCache: xsync.NewMapOf[string, glob.Glob](),
	}
}

func (t *TriggerSource) Class() store.Class {
	return store.ClassTrigger
}

func (t *TriggerSource) FetchAndLockBatch(limit int) ([]store.Event, error) {
	return t.store.FetchAndLockBatch(store.ClassTrigger, t.instance, limit)
}

func (t *TriggerSource) Deliver(ctx context.Context, ev store.Event) Outcome {
	return t.deliverer.Deliver(ctx, ev)
}

func (t *TriggerSource) AckSuccess(ev store.Event, tries int) error {
	return t.store.AckDelivered(store.ClassTrigger, ev.ID, tries)
}

func (t *TriggerSource) AckPermanentFailure(ev store.Event, tries int, detail string) error {
	return t.store.AckFailed(store.ClassTrigger, ev.ID, tries, detail)
}

// CaptureChange enqueues one event per trigger whose table pattern and
// operation match the change. Enqueued rows are durable before this returns;
// delivery happens asynchronously on whichever instance claims them.
func (t *TriggerSource) CaptureChange(sourceName, table string, op ChangeOp, oldRow, newRow map[string]any) error {
	snap := t.manager.Current()
	if snap == nil {
		return fmt.Errorf("no schema snapshot available")
	}
	src, ok := snap.Sources[sourceName]
	if !ok {
		return fmt.Errorf("unknown source %q", sourceName)
	}

	now := time.Now()
	for _, trigger := range src.EventTriggers {
		if !t.matches(&trigger, table, op) {
			continue
		}

		payload, err := store.EncodePayload(ChangePayload{
			Trigger:   trigger.Name,
			Source:    sourceName,
			Table:     table,
			Operation: string(op),
			Old:       oldRow,
			New:       newRow,
		})
		if err != nil {
			return err
		}

		if err := t.store.InsertEvent(store.ClassTrigger, trigger.Name, sourceName, trigger.WebhookURL, payload, now); err != nil {
			return err
		}
		log.Debug().Str("trigger", trigger.Name).Str("source", sourceName).Str("table", table).
			Str("op", string(op)).Msg("Trigger event enqueued")
	}
	return nil
}

// matches applies a trigger's operation list and table glob patterns.
// An empty operation list means all operations.
func (t *TriggerSource) matches(trigger *metadata.EventTrigger, table string, op ChangeOp) bool {
	if len(trigger.Operations) > 0 {
		found := false
		for _, allowed := range trigger.Operations {
			if allowed == string(op) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, pattern := range trigger.TablePatterns {
		if g := t.compiledGlob(pattern); g != nil && g.Match(table) {
			return true
		}
	}
	return false
}

// compiledGlob caches compiled patterns; invalid ones were already surfaced
// as inconsistent objects during the snapshot build
func (t *TriggerSource) compiledGlob(pattern string) glob.Glob {
	if g, ok := t.globCache.Load(pattern); ok {
		return g
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil
	}
	t.globCache.Store(pattern, g)
	return g
}

package events

import (
	"github.com/burrowql/burrow/store"
	"github.com/burrowql/burrow/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks every event currently claimed by this instance, one
// lock-free set per event class. Workers add on claim and remove on terminal
// ack; the shutdown coordinator watches the total drain to zero.
type Registry struct {
	claims map[store.Class]*xsync.MapOf[int64, struct{}]
}

// NewRegistry creates a registry covering all event classes
func NewRegistry() *Registry {
	claims := make(map[store.Class]*xsync.MapOf[int64, struct{}], len(store.Classes))
	for _, class := range store.Classes {
		claims[class] = xsync.NewMapOf[int64, struct{}]()
	}
	return &Registry{claims: claims}
}

// Add records a claimed event
func (r *Registry) Add(class store.Class, id int64) {
	r.claims[class].Store(id, struct{}{})
	telemetry.EventsInFlight.With(string(class)).Inc()
}

// Remove clears a claim after its terminal ack
func (r *Registry) Remove(class store.Class, id int64) {
	if _, ok := r.claims[class].LoadAndDelete(id); ok {
		telemetry.EventsInFlight.With(string(class)).Dec()
	}
}

// Count returns the in-flight count for one class
func (r *Registry) Count(class store.Class) int {
	return r.claims[class].Size()
}

// Total returns the in-flight count across all classes
func (r *Registry) Total() int {
	total := 0
	for _, m := range r.claims {
		total += m.Size()
	}
	return total
}

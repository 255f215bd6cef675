package livequery

import (
	"context"

	"github.com/burrowql/burrow/schema"
	"github.com/cespare/xxhash/v2"
)

// VariableSet holds one listener's resolved variables/session context
type VariableSet map[string]any

// CompiledPlan is an opaque executable plan produced by the external
// query compiler. The engine only moves it around.
type CompiledPlan any

// PlanCompiler compiles query text for a role against a snapshot.
// Implemented by the query-language layer, not by this package.
type PlanCompiler interface {
	// Compile returns the plan and the names of the sources it reads from.
	// The engine uses the dependency list to keep plans alive across
	// snapshot changes that leave those sources untouched; an empty list
	// means the dependencies are unknown and every change invalidates.
	Compile(snap *schema.Snapshot, query, role string) (CompiledPlan, []string, error)
}

// BatchExecutor runs a compiled plan once for many variable sets in a single
// backend round trip, returning one serialized result per variable set, in
// order. Implemented by the per-database execution layer.
type BatchExecutor interface {
	Execute(ctx context.Context, plan CompiledPlan, variables []VariableSet) ([][]byte, error)
}

// PushTransport delivers results to connected listeners. Connection
// lifecycle is owned by the transport, not by the engine.
type PushTransport interface {
	Send(listenerID string, payload []byte) error
}

// Fingerprint identifies a cohort: all listeners sharing query text and role
// share exactly one compiled plan and differ only in variables.
func Fingerprint(query, role string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(role)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(query)
	return h.Sum64()
}

// resultHash fingerprints a serialized result for change detection
func resultHash(result []byte) uint64 {
	return xxhash.Sum64(result)
}

package livequery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/burrowql/burrow/schema"
	"github.com/burrowql/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// State is a cohort's lifecycle state
type State int

const (
	// StateActive: at least one listener attached
	StateActive State = iota
	// StateDraining: zero listeners, inside the grace window
	StateDraining
	// StateClosed: grace elapsed with zero listeners; removed from the registry
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// listener is one attached subscriber with its own variables and last result
type listener struct {
	id        string
	variables VariableSet
	lastHash  uint64
	hasResult bool
}

// Cohort groups listeners that share one compiled plan. Each cohort polls on
// its own goroutine: polls for one cohort never overlap, polls for distinct
// cohorts run fully in parallel.
type Cohort struct {
	key   uint64
	query string
	role  string

	mu         sync.Mutex
	listeners  map[string]*listener
	state      State
	graceUntil time.Time

	plan        CompiledPlan
	planVersion int64                     // snapshot version the plan was compiled against
	planSources map[string]*schema.Source // resolved sub-trees the plan reads from
	planValid   bool
}

func newCohort(key uint64, query, role string) *Cohort {
	return &Cohort{
		key:       key,
		query:     query,
		role:      role,
		listeners: make(map[string]*listener),
		state:     StateActive,
	}
}

// attach adds a listener. Returns false if the cohort already closed (the
// caller must create a fresh cohort). Attaching during the grace window
// reverts Draining to Active.
func (c *Cohort) attach(listenerID string, variables VariableSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	if c.state == StateDraining {
		c.state = StateActive
	}
	c.listeners[listenerID] = &listener{id: listenerID, variables: variables}
	return true
}

// detach removes a listener. Removing the last one starts the grace window
// rather than closing immediately, absorbing brief reconnects.
func (c *Cohort) detach(listenerID string, grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.listeners, listenerID)
	if len(c.listeners) == 0 && c.state == StateActive {
		c.state = StateDraining
		c.graceUntil = time.Now().Add(grace)
	}
}

// expireIfDrained transitions Draining to Closed once the grace window has
// elapsed with zero listeners. Returns true when the cohort closed.
func (c *Cohort) expireIfDrained(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining && now.After(c.graceUntil) && len(c.listeners) == 0 {
		c.state = StateClosed
		return true
	}
	return c.state == StateClosed
}

// size returns the listener count
func (c *Cohort) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// poll runs one cycle: ensure the plan matches the current snapshot, execute
// it once for all listeners' variables (cohort batching), diff per listener
// and push only changes. The snapshot reference is pinned once at the top so
// a cycle never mixes two snapshot versions.
func (c *Cohort) poll(ctx context.Context, e *Engine) {
	snap := e.manager.Current()
	if snap == nil {
		return
	}

	start := time.Now()

	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}

	// Schema changed under the cohort. A new snapshot that reuses every
	// source sub-tree the plan reads from leaves the plan valid; otherwise
	// recompile before polling.
	if !c.planValid || c.planVersion != snap.Version {
		if c.planValid && c.planCompatible(snap) {
			c.planVersion = snap.Version
		} else if err := c.recompileLocked(e, snap); err != nil {
			c.mu.Unlock()
			telemetry.CohortPollsTotal.With("stale").Inc()
			log.Warn().Err(err).Uint64("cohort", c.key).Int64("version", snap.Version).
				Msg("Cohort plan recompilation failed, skipping cycle")
			return
		}
	}

	// Stable listener order so results map back deterministically
	ordered := make([]*listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	variables := make([]VariableSet, len(ordered))
	for i, l := range ordered {
		variables[i] = l.variables
	}
	plan := c.plan
	c.mu.Unlock()

	// One backend round trip per batch: N listeners on the same query text
	// cost one request, not N
	for off := 0; off < len(ordered); off += e.batchMax {
		end := off + e.batchMax
		if end > len(ordered) {
			end = len(ordered)
		}

		results, err := e.executor.Execute(ctx, plan, variables[off:end])
		if err != nil {
			telemetry.CohortPollsTotal.With("failed").Inc()
			log.Warn().Err(err).Uint64("cohort", c.key).Msg("Cohort poll failed")
			return
		}
		if len(results) != end-off {
			telemetry.CohortPollsTotal.With("failed").Inc()
			log.Error().Uint64("cohort", c.key).Int("want", end-off).Int("got", len(results)).
				Msg("Executor returned wrong result count")
			return
		}

		c.pushChanged(e, ordered[off:end], results)
	}

	telemetry.CohortPollsTotal.With("success").Inc()
	telemetry.CohortPollSeconds.Observe(time.Since(start).Seconds())
}

// planCompatible reports whether every source sub-tree the plan was compiled
// against is the identical resolved sub-tree in snap. Incremental rebuilds
// reuse unchanged sub-trees by pointer, so identity means nothing the plan
// reads from changed. Caller holds c.mu.
func (c *Cohort) planCompatible(snap *schema.Snapshot) bool {
	if len(c.planSources) == 0 {
		return false
	}
	for name, src := range c.planSources {
		if src == nil || snap.Sources[name] != src {
			return false
		}
	}
	return true
}

// recompileLocked compiles the cohort's plan against snap. Caller holds c.mu.
func (c *Cohort) recompileLocked(e *Engine, snap *schema.Snapshot) error {
	if c.planValid {
		telemetry.PlanRecompilesTotal.Inc()
	}

	plan, sources, err := e.compilePlan(c.key, c.query, c.role, snap)
	if err != nil {
		c.planValid = false
		return err
	}

	c.plan = plan
	c.planVersion = snap.Version
	c.planSources = make(map[string]*schema.Source, len(sources))
	for _, name := range sources {
		c.planSources[name] = snap.Sources[name]
	}
	c.planValid = true
	return nil
}

// pushChanged diffs each listener's new result against its last pushed one
// and sends at most one push per listener per cycle, never on no-op diffs.
func (c *Cohort) pushChanged(e *Engine, batch []*listener, results [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range batch {
		// Listener may have detached while the poll was in flight
		if _, attached := c.listeners[l.id]; !attached {
			continue
		}

		h := resultHash(results[i])
		if l.hasResult && l.lastHash == h {
			continue
		}

		if err := e.transport.Send(l.id, results[i]); err != nil {
			log.Warn().Err(err).Str("listener", l.id).Uint64("cohort", c.key).Msg("Failed to push result")
			continue
		}
		l.lastHash = h
		l.hasResult = true
		telemetry.ListenerPushesTotal.Inc()
	}
}

package livequery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/burrowql/burrow/schema"
	"github.com/burrowql/burrow/telemetry"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Config tunes the subscription engine
type Config struct {
	PollInterval  time.Duration // per-cohort poll cadence, practical floor ~1s
	GracePeriod   time.Duration // empty-cohort retention window
	PlanCacheSize int
	BatchMaxSize  int // max variable sets per backend round trip
}

// planCacheKey: compiled plans are valid for exactly one (query, role,
// snapshot version) combination
type planCacheKey struct {
	fingerprint uint64
	version     int64
}

// cachedPlan pairs a compiled plan with the source names it depends on
type cachedPlan struct {
	plan    CompiledPlan
	sources []string
}

// Engine multiplexes many subscription listeners onto few backend polls.
// Listeners with identical query text and role share one cohort, one
// compiled plan, and one poll round trip per cycle.
type Engine struct {
	manager   *schema.Manager
	compiler  PlanCompiler
	executor  BatchExecutor
	transport PushTransport

	pollInterval time.Duration
	gracePeriod  time.Duration
	batchMax     int

	cohorts    *xsync.MapOf[uint64, *Cohort]
	byListener *xsync.MapOf[string, *Cohort]
	planCache  *lru.Cache[planCacheKey, cachedPlan]

	stopCh   chan struct{}
	stopMu   sync.Mutex // guards stopping against concurrent loop launches
	stopping bool
	wg       sync.WaitGroup
}

// NewEngine creates a subscription engine
func NewEngine(manager *schema.Manager, compiler PlanCompiler, executor BatchExecutor, transport PushTransport, config Config) (*Engine, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchMaxSize <= 0 {
		config.BatchMaxSize = 100
	}
	if config.PlanCacheSize <= 0 {
		config.PlanCacheSize = 512
	}

	cache, err := lru.New[planCacheKey, cachedPlan](config.PlanCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}

	return &Engine{
		manager:      manager,
		compiler:     compiler,
		executor:     executor,
		transport:    transport,
		pollInterval: config.PollInterval,
		gracePeriod:  config.GracePeriod,
		batchMax:     config.BatchMaxSize,
		cohorts:      xsync.NewMapOf[uint64, *Cohort](),
		byListener:   xsync.NewMapOf[string, *Cohort](),
		planCache:    cache,
		stopCh:       make(chan struct{}),
	}, nil
}

// Subscribe attaches a listener to the cohort for (query, role), creating the
// cohort and its poll loop on first attach.
func (e *Engine) Subscribe(listenerID, query, role string, variables VariableSet) error {
	if e.isStopping() {
		return fmt.Errorf("subscription engine is stopped")
	}

	key := Fingerprint(query, role)

	for {
		cohort, loaded := e.cohorts.LoadOrCompute(key, func() *Cohort {
			return newCohort(key, query, role)
		})

		if cohort.attach(listenerID, variables) {
			if !loaded && !e.startLoop(cohort) {
				// Stop won the race while the cohort was being created;
				// undo the attach and drop the never-started cohort
				cohort.detach(listenerID, 0)
				e.cohorts.Compute(key, func(cur *Cohort, ok bool) (*Cohort, bool) {
					if ok && cur == cohort {
						return nil, true
					}
					return cur, !ok
				})
				return fmt.Errorf("subscription engine is stopped")
			}
			e.byListener.Store(listenerID, cohort)
			telemetry.ListenersActive.Inc()
			return nil
		}

		// Raced with a closing cohort: drop it and build a fresh one
		e.cohorts.Compute(key, func(cur *Cohort, ok bool) (*Cohort, bool) {
			if ok && cur == cohort {
				return nil, true
			}
			return cur, !ok
		})
	}
}

// startLoop launches the cohort's poll loop unless the engine is stopping.
// The launch holds stopMu so wg.Add never races Stop's wg.Wait.
func (e *Engine) startLoop(c *Cohort) bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()

	if e.stopping {
		return false
	}
	e.wg.Add(1)
	go e.pollLoop(c)
	log.Debug().Uint64("cohort", c.key).Str("role", c.role).Msg("Cohort created")
	return true
}

func (e *Engine) isStopping() bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	return e.stopping
}

// Unsubscribe detaches a listener. The cohort survives for the grace period
// so a quick reconnect does not pay recompilation and first-poll latency.
func (e *Engine) Unsubscribe(listenerID string) {
	cohort, ok := e.byListener.LoadAndDelete(listenerID)
	if !ok {
		return
	}
	cohort.detach(listenerID, e.gracePeriod)
	telemetry.ListenersActive.Dec()
}

// compilePlan compiles through the LRU so cohort churn and draining
// reconnects reuse plans instead of recompiling
func (e *Engine) compilePlan(fingerprint uint64, query, role string, snap *schema.Snapshot) (CompiledPlan, []string, error) {
	key := planCacheKey{fingerprint: fingerprint, version: snap.Version}
	if cached, ok := e.planCache.Get(key); ok {
		return cached.plan, cached.sources, nil
	}

	plan, sources, err := e.compiler.Compile(snap, query, role)
	if err != nil {
		return nil, nil, err
	}
	e.planCache.Add(key, cachedPlan{plan: plan, sources: sources})
	return plan, sources, nil
}

// pollLoop drives one cohort. Cycles are serialized per cohort by
// construction; distinct cohorts tick independently so a slow cohort never
// delays others.
func (e *Engine) pollLoop(c *Cohort) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			if c.expireIfDrained(now) {
				e.cohorts.Compute(c.key, func(cur *Cohort, ok bool) (*Cohort, bool) {
					if ok && cur == c {
						return nil, true
					}
					return cur, !ok
				})
				log.Debug().Uint64("cohort", c.key).Msg("Cohort closed after grace period")
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), e.pollInterval)
			c.poll(ctx, e)
			cancel()
		}
	}
}

// Stats reports cohort and listener counts for observability
func (e *Engine) Stats() (cohorts, draining, listeners int) {
	e.cohorts.Range(func(_ uint64, c *Cohort) bool {
		c.mu.Lock()
		switch c.state {
		case StateActive:
			cohorts++
			listeners += len(c.listeners)
		case StateDraining:
			draining++
		}
		c.mu.Unlock()
		return true
	})

	telemetry.CohortsActive.With("active").Set(float64(cohorts))
	telemetry.CohortsActive.With("draining").Set(float64(draining))
	return cohorts, draining, listeners
}

// Stop terminates every cohort loop and waits for them to exit
func (e *Engine) Stop() {
	e.stopMu.Lock()
	if !e.stopping {
		e.stopping = true
		close(e.stopCh)
	}
	e.stopMu.Unlock()
	e.wg.Wait()
}

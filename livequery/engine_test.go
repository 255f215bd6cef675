package livequery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/burrowql/burrow/schema"
	"github.com/stretchr/testify/require"
)

type fakeCompiler struct {
	compiles atomic.Int64
	fail     atomic.Bool
	deps     []string // reported source dependencies; nil means unknown
}

func (f *fakeCompiler) Compile(snap *schema.Snapshot, query, role string) (CompiledPlan, []string, error) {
	f.compiles.Add(1)
	if f.fail.Load() {
		return nil, nil, fmt.Errorf("compilation rejected")
	}
	return fmt.Sprintf("plan(%s,%s,v%d)", query, role, snap.Version), f.deps, nil
}

// fakeExecutor returns one result per variable set, controlled by resultFor
type fakeExecutor struct {
	mu         sync.Mutex
	executions int
	batchSizes []int
	resultFor  func(vars VariableSet) []byte
}

func (f *fakeExecutor) Execute(ctx context.Context, plan CompiledPlan, variables []VariableSet) ([][]byte, error) {
	f.mu.Lock()
	f.executions++
	f.batchSizes = append(f.batchSizes, len(variables))
	f.mu.Unlock()

	results := make([][]byte, len(variables))
	for i, vars := range variables {
		results[i] = f.resultFor(vars)
	}
	return results, nil
}

func (f *fakeExecutor) stats() (int, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions, append([]int(nil), f.batchSizes...)
}

type fakeTransport struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: make(map[string][][]byte)}
}

func (f *fakeTransport) Send(listenerID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[listenerID] = append(f.sends[listenerID], payload)
	return nil
}

func (f *fakeTransport) count(listenerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends[listenerID])
}

type lqFixture struct {
	manager   *schema.Manager
	compiler  *fakeCompiler
	executor  *fakeExecutor
	transport *fakeTransport
	engine    *Engine
}

func newFixture(t *testing.T, config Config) *lqFixture {
	t.Helper()

	manager := schema.NewManager(nil)
	manager.Publish(&schema.Snapshot{Version: 1})

	f := &lqFixture{
		manager:  manager,
		compiler: &fakeCompiler{},
		executor: &fakeExecutor{resultFor: func(vars VariableSet) []byte {
			return []byte(fmt.Sprintf(`{"rows":%v}`, vars["id"]))
		}},
		transport: newFakeTransport(),
	}

	// A long poll interval keeps background ticks out of the way; tests
	// drive cycles explicitly through cohort.poll
	if config.PollInterval == 0 {
		config.PollInterval = time.Minute
	}
	engine, err := NewEngine(manager, f.compiler, f.executor, f.transport, config)
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	f.engine = engine
	return f
}

func (f *lqFixture) cohort(t *testing.T, query, role string) *Cohort {
	t.Helper()

	c, ok := f.engine.cohorts.Load(Fingerprint(query, role))
	require.True(t, ok)
	return c
}

func (f *lqFixture) pollOnce(t *testing.T, query, role string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.cohort(t, query, role).poll(ctx, f.engine)
}

func TestSubscribe_GroupsByQueryAndRole(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	require.NoError(t, f.engine.Subscribe("l1", "q1", "viewer", VariableSet{"id": 1}))
	require.NoError(t, f.engine.Subscribe("l2", "q1", "viewer", VariableSet{"id": 2}))
	require.NoError(t, f.engine.Subscribe("l3", "q1", "admin", VariableSet{"id": 3}))

	require.Equal(t, 2, f.cohort(t, "q1", "viewer").size())
	require.Equal(t, 1, f.cohort(t, "q1", "admin").size())
}

func TestPoll_OneRoundTripPerCohort(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.engine.Subscribe(fmt.Sprintf("l%d", i), "q", "viewer", VariableSet{"id": i}))
	}

	f.pollOnce(t, "q", "viewer")

	// Three listeners cost one backend execution with three variable sets
	executions, batches := f.executor.stats()
	require.Equal(t, 1, executions)
	require.Equal(t, []int{3}, batches)

	for i := 1; i <= 3; i++ {
		require.Equal(t, 1, f.transport.count(fmt.Sprintf("l%d", i)))
	}
}

func TestPoll_ChunksOversizedCohorts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{BatchMaxSize: 2})

	for i := 1; i <= 5; i++ {
		require.NoError(t, f.engine.Subscribe(fmt.Sprintf("l%d", i), "q", "viewer", VariableSet{"id": i}))
	}

	f.pollOnce(t, "q", "viewer")

	executions, batches := f.executor.stats()
	require.Equal(t, 3, executions)
	require.Equal(t, []int{2, 2, 1}, batches)
}

func TestPoll_PushesOnlyChangedResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	var flip atomic.Bool
	f.executor.resultFor = func(vars VariableSet) []byte {
		if flip.Load() && vars["id"] == 2 {
			return []byte(`{"rows":"changed"}`)
		}
		return []byte(fmt.Sprintf(`{"rows":%v}`, vars["id"]))
	}

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	require.NoError(t, f.engine.Subscribe("l2", "q", "viewer", VariableSet{"id": 2}))

	// First cycle pushes the initial result to everyone
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, 1, f.transport.count("l1"))
	require.Equal(t, 1, f.transport.count("l2"))

	// Identical results push nothing
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, 1, f.transport.count("l1"))
	require.Equal(t, 1, f.transport.count("l2"))

	// Only the listener whose result changed gets a push
	flip.Store(true)
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, 1, f.transport.count("l1"))
	require.Equal(t, 2, f.transport.count("l2"))
}

func TestPoll_RecompilesOnSnapshotChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, int64(1), f.compiler.compiles.Load())

	// Same snapshot: plan is reused
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, int64(1), f.compiler.compiles.Load())

	// New snapshot version invalidates the plan before the next cycle
	f.manager.Publish(&schema.Snapshot{Version: 2})
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, int64(2), f.compiler.compiles.Load())
}

func TestPoll_UnaffectedSourceKeepsPlan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.compiler.deps = []string{"a"}

	shared := &schema.Source{Name: "a"}
	f.manager.Publish(&schema.Snapshot{
		Version: 1,
		Sources: map[string]*schema.Source{"a": shared},
	})

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, int64(1), f.compiler.compiles.Load())

	// A new snapshot that reuses the resolved sub-tree for "a" and only adds
	// an unrelated source leaves the plan untouched
	f.manager.Publish(&schema.Snapshot{
		Version: 2,
		Sources: map[string]*schema.Source{"a": shared, "b": {Name: "b"}},
	})
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, int64(1), f.compiler.compiles.Load())

	executions, _ := f.executor.stats()
	require.Equal(t, 2, executions)

	// Replacing "a"'s sub-tree forces recompilation
	f.manager.Publish(&schema.Snapshot{
		Version: 3,
		Sources: map[string]*schema.Source{"a": {Name: "a"}},
	})
	f.pollOnce(t, "q", "viewer")
	require.Equal(t, int64(2), f.compiler.compiles.Load())
}

func TestPoll_CompileFailureSkipsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.compiler.fail.Store(true)

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	f.pollOnce(t, "q", "viewer")

	executions, _ := f.executor.stats()
	require.Zero(t, executions)
	require.Zero(t, f.transport.count("l1"))
}

func TestUnsubscribe_GraceWindowAbsorbsReconnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{GracePeriod: time.Minute})

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	cohort := f.cohort(t, "q", "viewer")

	f.engine.Unsubscribe("l1")
	cohort.mu.Lock()
	require.Equal(t, StateDraining, cohort.state)
	cohort.mu.Unlock()

	// Reattach within the grace window revives the same cohort
	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	cohort.mu.Lock()
	require.Equal(t, StateActive, cohort.state)
	cohort.mu.Unlock()
	require.Same(t, cohort, f.cohort(t, "q", "viewer"))
}

func TestCohort_ClosesAfterGraceElapsed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{GracePeriod: 10 * time.Millisecond})

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))
	cohort := f.cohort(t, "q", "viewer")
	f.engine.Unsubscribe("l1")

	require.True(t, cohort.expireIfDrained(time.Now().Add(time.Second)))

	// Attaching to a closed cohort fails; Subscribe builds a fresh one
	require.False(t, cohort.attach("l2", VariableSet{"id": 2}))
	require.NoError(t, f.engine.Subscribe("l2", "q", "viewer", VariableSet{"id": 2}))
	require.NotSame(t, cohort, f.cohort(t, "q", "viewer"))
}

func TestPoll_SkipsListenerDetachedMidCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{GracePeriod: time.Minute})

	block := make(chan struct{})
	f.executor.resultFor = func(vars VariableSet) []byte {
		<-block
		return []byte(`{"rows":[]}`)
	}

	require.NoError(t, f.engine.Subscribe("l1", "q", "viewer", VariableSet{"id": 1}))

	done := make(chan struct{})
	go func() {
		f.pollOnce(t, "q", "viewer")
		close(done)
	}()

	// Detach while the executor is in flight; the result must not be pushed
	f.engine.Unsubscribe("l1")
	close(block)
	<-done

	require.Zero(t, f.transport.count("l1"))
}

func TestSubscribe_FailsAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.engine.Stop()

	require.Error(t, f.engine.Subscribe("l1", "q", "viewer", nil))
}

func TestSubscribe_ConcurrentWithStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = f.engine.Subscribe(fmt.Sprintf("l%d", n), fmt.Sprintf("q%d", n), "viewer", nil)
		}(i)
	}

	// Stop must never race a cohort loop launch; once it returns no new
	// loop may start
	f.engine.Stop()
	wg.Wait()

	require.Error(t, f.engine.Subscribe("late", "q-late", "viewer", nil))
}

func TestStats_CountsCohortsAndListeners(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{GracePeriod: time.Minute})

	require.NoError(t, f.engine.Subscribe("l1", "q1", "viewer", nil))
	require.NoError(t, f.engine.Subscribe("l2", "q1", "viewer", nil))
	require.NoError(t, f.engine.Subscribe("l3", "q2", "viewer", nil))
	f.engine.Unsubscribe("l3")

	active, draining, listeners := f.engine.Stats()
	require.Equal(t, 1, active)
	require.Equal(t, 1, draining)
	require.Equal(t, 2, listeners)
}

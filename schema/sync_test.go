package schema

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/burrowql/burrow/notify"
	"github.com/burrowql/burrow/store"
	"github.com/stretchr/testify/require"
)

func openSyncTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "burrow.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestSyncer(t *testing.T, st *store.Store, hub *notify.Hub) (*Syncer, *fakeIntrospector) {
	t.Helper()

	intro := &fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}}
	syncer := NewSyncer(st, NewManager(intro), hub, 100*time.Millisecond)
	return syncer, intro
}

func TestApplyLatest_EmptyStoreIsValid(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)
	syncer, _ := newTestSyncer(t, st, notify.NewHub())

	require.NoError(t, syncer.ApplyLatest(context.Background()))
	require.Zero(t, syncer.AppliedVersion())
}

func TestSubmit_StoresAppliesAndNotifies(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)
	hub := notify.NewHub()
	defer hub.Close()

	syncer, _ := newTestSyncer(t, st, hub)
	versions, cancel := hub.Subscribe()
	defer cancel()

	version, err := syncer.Submit(context.Background(), []byte(`{"sources":[{"name":"main","connection":"file:main.db"}]}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	require.Equal(t, version, syncer.AppliedVersion())

	select {
	case v := <-versions:
		require.Equal(t, version, v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for version notification")
	}
}

func TestSubmit_RejectsInvalidMetadata(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)
	syncer, _ := newTestSyncer(t, st, notify.NewHub())

	version, err := syncer.Submit(context.Background(), []byte(`{"sources": [{`))
	require.Error(t, err)
	require.Zero(t, version)

	// Nothing was stored
	_, err = st.LatestMetadataVersion()
	require.ErrorIs(t, err, store.ErrNoMetadata)
}

func TestApplyLatest_SkipsAlreadyAppliedVersions(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)
	syncer, intro := newTestSyncer(t, st, notify.NewHub())

	_, err := syncer.Submit(context.Background(), []byte(`{"sources":[{"name":"main","connection":"file:main.db"}]}`))
	require.NoError(t, err)
	calls := intro.calls.Load()

	// Re-applying the same version is a no-op, no catalog traffic
	require.NoError(t, syncer.ApplyLatest(context.Background()))
	require.Equal(t, calls, intro.calls.Load())
}

func TestApplyLatest_PeerPicksUpSubmittedChange(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)

	// Two instances sharing the durable store
	syncerA, _ := newTestSyncer(t, st, notify.NewHub())
	syncerB, _ := newTestSyncer(t, st, notify.NewHub())

	version, err := syncerA.Submit(context.Background(), []byte(`{"sources":[{"name":"main","connection":"file:main.db"}]}`))
	require.NoError(t, err)

	require.NoError(t, syncerB.ApplyLatest(context.Background()))
	require.Equal(t, version, syncerB.AppliedVersion())
}

func TestSyncLoop_AppliesOnNotification(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)

	// Both instances share the notification hub, as in one process
	hub := notify.NewHub()
	defer hub.Close()

	syncerA, _ := newTestSyncer(t, st, hub)
	syncerB, _ := newTestSyncer(t, st, hub)

	syncerB.Start()
	defer syncerB.Stop()

	version, err := syncerA.Submit(context.Background(), []byte(`{"sources":[{"name":"main","connection":"file:main.db"}]}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return syncerB.AppliedVersion() == version
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncLoop_FallbackPollCatchesMissedNotifications(t *testing.T) {
	t.Parallel()

	st := openSyncTestStore(t)

	// Separate hubs: B never hears A's publishes and must rely on its poll
	syncerA, _ := newTestSyncer(t, st, notify.NewHub())
	syncerB, _ := newTestSyncer(t, st, notify.NewHub())

	syncerB.Start()
	defer syncerB.Stop()

	version, err := syncerA.Submit(context.Background(), []byte(`{"sources":[{"name":"main","connection":"file:main.db"}]}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return syncerB.AppliedVersion() == version
	}, 2*time.Second, 10*time.Millisecond)
}

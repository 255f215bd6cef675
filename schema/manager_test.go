package schema

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/burrowql/burrow/metadata"
	"github.com/stretchr/testify/require"
)

// fakeIntrospector serves canned catalogs per source and counts calls
type fakeIntrospector struct {
	catalogs map[string]map[string][]Column
	failing  map[string]error
	calls    atomic.Int64
}

func (f *fakeIntrospector) DescribeSource(ctx context.Context, src metadata.Source) (map[string][]Column, error) {
	f.calls.Add(1)
	if err, ok := f.failing[src.Name]; ok {
		return nil, err
	}
	catalog, ok := f.catalogs[src.Name]
	if !ok {
		return map[string][]Column{}, nil
	}
	return catalog, nil
}

func usersCatalog() map[string][]Column {
	return map[string][]Column{
		"users": {
			{Name: "id", Type: "INTEGER"},
			{Name: "name", Type: "TEXT", Nullable: true},
		},
		"orders": {
			{Name: "id", Type: "INTEGER"},
			{Name: "user_id", Type: "INTEGER"},
		},
	}
}

func usersMetadata() *metadata.Metadata {
	return &metadata.Metadata{
		Sources: []metadata.Source{{
			Name:       "main",
			Connection: "file:main.db",
			Tables: []metadata.Table{
				{
					Name: "users",
					Permissions: []metadata.Permission{
						{Role: "viewer", Columns: []string{"id", "name"}},
					},
					Relationships: []metadata.Relationship{
						{Name: "orders", Type: "array", RemoteTable: "orders", ColumnMapping: map[string]string{"id": "user_id"}},
					},
				},
				{Name: "orders"},
			},
		}},
	}
}

func TestRebuild_FullyConsistent(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	snap, err := m.Rebuild(context.Background(), usersMetadata(), 1, nil)
	require.NoError(t, err)
	require.Empty(t, snap.Inconsistent)
	require.Equal(t, int64(1), snap.Version)

	users := snap.Table("main", "users")
	require.NotNil(t, users)
	require.True(t, users.HasColumn("id"))
	require.Len(t, users.Permissions, 1)
	require.Len(t, users.Relationships, 1)
}

func TestRebuild_MissingTableIsPartialFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{
		"main": {"users": usersCatalog()["users"]},
	}})

	md := usersMetadata()
	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)

	// orders is gone; the relationship pointing at it still resolves because
	// it is still a tracked table, but the table itself is inconsistent
	require.NotNil(t, snap.Table("main", "users"))
	require.Nil(t, snap.Table("main", "orders"))

	require.Len(t, snap.Inconsistent, 1)
	require.Equal(t, "table", snap.Inconsistent[0].Type)
	require.Equal(t, "orders", snap.Inconsistent[0].Name)
}

func TestRebuild_BadPermissionColumn(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	md := usersMetadata()
	md.Sources[0].Tables[0].Permissions = append(md.Sources[0].Tables[0].Permissions,
		metadata.Permission{Role: "analyst", Columns: []string{"nonexistent"}})

	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)

	// The broken permission is excluded, the valid one survives
	require.Len(t, snap.Inconsistent, 1)
	require.Equal(t, "permission", snap.Inconsistent[0].Type)
	require.Equal(t, "analyst", snap.Inconsistent[0].Name)
	require.Len(t, snap.Table("main", "users").Permissions, 1)
}

func TestRebuild_BadRelationship(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	md := usersMetadata()
	md.Sources[0].Tables[0].Relationships = []metadata.Relationship{
		{Name: "ghost", Type: "object", RemoteTable: "untracked", ColumnMapping: map[string]string{"id": "x"}},
	}

	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)
	require.Len(t, snap.Inconsistent, 1)
	require.Equal(t, "relationship", snap.Inconsistent[0].Type)
	require.Empty(t, snap.Table("main", "users").Relationships)
}

func TestRebuild_RelationshipMappingUnknownColumns(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	md := usersMetadata()
	md.Sources[0].Tables[0].Relationships = []metadata.Relationship{
		{Name: "bad_local", Type: "array", RemoteTable: "orders", ColumnMapping: map[string]string{"ghost": "user_id"}},
		{Name: "bad_remote", Type: "array", RemoteTable: "orders", ColumnMapping: map[string]string{"id": "ghost"}},
		{Name: "good", Type: "array", RemoteTable: "orders", ColumnMapping: map[string]string{"id": "user_id"}},
	}

	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)

	// Both mapping sides are validated against the catalog; only the valid
	// relationship survives
	require.Len(t, snap.Inconsistent, 2)
	names := []string{snap.Inconsistent[0].Name, snap.Inconsistent[1].Name}
	require.ElementsMatch(t, []string{"bad_local", "bad_remote"}, names)
	for _, obj := range snap.Inconsistent {
		require.Equal(t, "relationship", obj.Type)
	}

	rels := snap.Table("main", "users").Relationships
	require.Len(t, rels, 1)
	require.Equal(t, "good", rels[0].Name)
}

func TestRebuild_UnreachableSourceKeepsOthersServable(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{
		catalogs: map[string]map[string][]Column{"main": usersCatalog()},
		failing:  map[string]error{"broken": fmt.Errorf("connection refused")},
	})

	md := usersMetadata()
	md.Sources = append(md.Sources, metadata.Source{Name: "broken", Connection: "file:broken.db"})

	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)

	require.True(t, snap.HasSource("main"))
	require.False(t, snap.HasSource("broken"))
	require.Len(t, snap.Inconsistent, 1)
	require.Equal(t, "source", snap.Inconsistent[0].Type)
	require.Contains(t, snap.Inconsistent[0].Reason, "connection refused")
}

func TestRebuild_InvalidEventTriggerPattern(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	md := usersMetadata()
	md.Sources[0].EventTriggers = []metadata.EventTrigger{
		{Name: "good", TablePatterns: []string{"users"}, WebhookURL: "http://hook"},
		{Name: "bad", TablePatterns: []string{"[invalid"}, WebhookURL: "http://hook"},
	}

	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)
	require.Len(t, snap.Inconsistent, 1)
	require.Equal(t, "event_trigger", snap.Inconsistent[0].Type)
	require.Len(t, snap.Sources["main"].EventTriggers, 1)
	require.Equal(t, "good", snap.Sources["main"].EventTriggers[0].Name)
}

func TestRebuild_InvalidCronSchedule(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	md := usersMetadata()
	md.CronTriggers = []metadata.CronTrigger{
		{Name: "ok", Schedule: "*/5 * * * *", WebhookURL: "http://hook"},
		{Name: "nope", Schedule: "every tuesday-ish", WebhookURL: "http://hook"},
	}

	snap, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)
	require.Len(t, snap.CronTriggers, 1)
	require.Equal(t, "ok", snap.CronTriggers[0].Name)
	require.Len(t, snap.Inconsistent, 1)
	require.Equal(t, "cron_trigger", snap.Inconsistent[0].Type)
}

func TestRebuild_ReusesUnchangedSources(t *testing.T) {
	t.Parallel()

	intro := &fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}}
	m := NewManager(intro)

	md := usersMetadata()
	first, err := m.Rebuild(context.Background(), md, 1, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), intro.calls.Load())

	// Unchanged config skips introspection entirely
	second, err := m.Rebuild(context.Background(), md, 2, first)
	require.NoError(t, err)
	require.Equal(t, int64(1), intro.calls.Load())
	require.Same(t, first.Sources["main"], second.Sources["main"])

	// A config change forces re-introspection
	changed := usersMetadata()
	changed.Sources[0].Connection = "file:other.db"
	third, err := m.Rebuild(context.Background(), changed, 3, second)
	require.NoError(t, err)
	require.Equal(t, int64(2), intro.calls.Load())
	require.NotSame(t, second.Sources["main"], third.Sources["main"])
}

func TestRebuild_CancelledContext(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{catalogs: map[string]map[string][]Column{"main": usersCatalog()}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Rebuild(ctx, usersMetadata(), 1, nil)
	require.Error(t, err)
}

func TestPublish_SwapsCurrentAtomically(t *testing.T) {
	t.Parallel()

	m := NewManager(&fakeIntrospector{})
	require.Nil(t, m.Current())

	first := &Snapshot{Version: 1}
	m.Publish(first)
	require.Same(t, first, m.Current())

	// A reader holding the old snapshot keeps a valid reference after a new
	// publish
	held := m.Current()
	second := &Snapshot{Version: 2}
	m.Publish(second)
	require.Same(t, second, m.Current())
	require.Equal(t, int64(1), held.Version)
}

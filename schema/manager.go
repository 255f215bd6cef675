package schema

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/burrowql/burrow/metadata"
	"github.com/burrowql/burrow/telemetry"
	"github.com/gobwas/glob"
	future "github.com/jizhuozhi/go-future"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CatalogIntrospector fetches the live catalog of a backing database.
// Implemented by the per-database drivers, not by this package.
type CatalogIntrospector interface {
	// DescribeSource returns columns per table for every table that exists
	// in the source's catalog
	DescribeSource(ctx context.Context, src metadata.Source) (map[string][]Column, error)
}

// Manager owns the current snapshot pointer. Reads never block: Current is a
// single atomic load, and rebuilds happen entirely off to the side before
// Publish swaps the pointer.
type Manager struct {
	introspector CatalogIntrospector
	current      atomic.Pointer[Snapshot]
}

// NewManager creates a schema cache manager
func NewManager(introspector CatalogIntrospector) *Manager {
	return &Manager{introspector: introspector}
}

// Current returns the latest published snapshot, or nil before first publish.
// Never blocks on an in-progress rebuild.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Publish atomically swaps the snapshot observed by Current. The previous
// snapshot stays valid for readers still holding it.
func (m *Manager) Publish(snap *Snapshot) {
	m.current.Store(snap)
	telemetry.SchemaVersion.Set(float64(snap.Version))
	telemetry.SchemaInconsistentObjects.Set(float64(len(snap.Inconsistent)))

	log.Info().
		Int64("version", snap.Version).
		Int("sources", len(snap.Sources)).
		Int("inconsistent_objects", len(snap.Inconsistent)).
		Msg("Schema snapshot published")
}

// Rebuild resolves a metadata document against the live catalogs into a fresh
// snapshot. Resolution is per-object: a permission or relationship that fails
// to resolve lands in the inconsistent list and the rest of the schema still
// becomes servable. When prev is supplied, sources whose configuration is
// unchanged reuse their resolved sub-tree instead of hitting the catalog.
func (m *Manager) Rebuild(ctx context.Context, md *metadata.Metadata, version metadata.Version, prev *Snapshot) (*Snapshot, error) {
	start := time.Now()

	snap := &Snapshot{
		Version: version,
		Sources: make(map[string]*Source, len(md.Sources)),
	}

	type sourceResult struct {
		source       *Source
		inconsistent []InconsistentObject
	}

	// Resolve sources concurrently; each future owns one source sub-tree
	futures := make([]*future.Future[sourceResult], len(md.Sources))
	for i := range md.Sources {
		src := md.Sources[i]
		futures[i] = future.Async(func() (sourceResult, error) {
			if reused := reusableSource(prev, &src); reused != nil {
				telemetry.SchemaSourcesReused.Inc()
				log.Debug().Str("source", src.Name).Msg("Reusing resolved source sub-tree")
				return sourceResult{source: reused}, nil
			}
			resolved, inconsistent := m.resolveSource(ctx, &src)
			return sourceResult{source: resolved, inconsistent: inconsistent}, nil
		})
	}

	for _, f := range futures {
		res, err := f.Get()
		if err != nil {
			// Futures only fail on panic inside the resolver
			telemetry.SchemaRebuildsTotal.With("failed").Inc()
			return nil, fmt.Errorf("source resolution failed: %w", err)
		}
		snap.Inconsistent = append(snap.Inconsistent, res.inconsistent...)
		if res.source != nil {
			snap.Sources[res.source.Name] = res.source
		}
	}

	if err := ctx.Err(); err != nil {
		telemetry.SchemaRebuildsTotal.With("failed").Inc()
		return nil, fmt.Errorf("rebuild cancelled: %w", err)
	}

	snap.CronTriggers = resolveCronTriggers(md.CronTriggers, &snap.Inconsistent)

	telemetry.SchemaRebuildsTotal.With("success").Inc()
	telemetry.SchemaRebuildSeconds.Observe(time.Since(start).Seconds())
	return snap, nil
}

// reusableSource returns the previous resolved sub-tree when the source's
// declared configuration is unchanged
func reusableSource(prev *Snapshot, src *metadata.Source) *Source {
	if prev == nil {
		return nil
	}
	old, ok := prev.Sources[src.Name]
	if !ok {
		return nil
	}
	if old.ConfigHash != sourceConfigHash(src) {
		return nil
	}
	return old
}

func (m *Manager) resolveSource(ctx context.Context, src *metadata.Source) (*Source, []InconsistentObject) {
	catalog, err := m.introspector.DescribeSource(ctx, *src)
	if err != nil {
		// The whole source is unresolvable; everything else keeps serving
		return nil, []InconsistentObject{{
			Type:   "source",
			Source: src.Name,
			Name:   src.Name,
			Reason: fmt.Sprintf("catalog introspection failed: %v", err),
		}}
	}

	resolved := &Source{
		Name:       src.Name,
		ConfigHash: sourceConfigHash(src),
		Tables:     make(map[string]*Table, len(src.Tables)),
	}

	var inconsistent []InconsistentObject

	for i := range src.Tables {
		tbl := &src.Tables[i]
		columns, ok := catalog[tbl.Name]
		if !ok {
			inconsistent = append(inconsistent, InconsistentObject{
				Type:   "table",
				Source: src.Name,
				Table:  tbl.Name,
				Name:   tbl.Name,
				Reason: "table not present in database catalog",
			})
			continue
		}

		rt := &Table{
			Name:      tbl.Name,
			Columns:   columns,
			columnSet: make(map[string]struct{}, len(columns)),
		}
		for _, col := range columns {
			rt.columnSet[col.Name] = struct{}{}
		}

		for _, perm := range tbl.Permissions {
			if reason := checkPermission(rt, &perm); reason != "" {
				inconsistent = append(inconsistent, InconsistentObject{
					Type:   "permission",
					Source: src.Name,
					Table:  tbl.Name,
					Name:   perm.Role,
					Reason: reason,
				})
				continue
			}
			rt.Permissions = append(rt.Permissions, perm)
		}

		for _, rel := range tbl.Relationships {
			if reason := checkRelationship(src, catalog, rt, &rel); reason != "" {
				inconsistent = append(inconsistent, InconsistentObject{
					Type:   "relationship",
					Source: src.Name,
					Table:  tbl.Name,
					Name:   rel.Name,
					Reason: reason,
				})
				continue
			}
			rt.Relationships = append(rt.Relationships, rel)
		}

		resolved.Tables[tbl.Name] = rt
	}

	for _, trig := range src.EventTriggers {
		if reason := checkEventTrigger(&trig); reason != "" {
			inconsistent = append(inconsistent, InconsistentObject{
				Type:   "event_trigger",
				Source: src.Name,
				Name:   trig.Name,
				Reason: reason,
			})
			continue
		}
		resolved.EventTriggers = append(resolved.EventTriggers, trig)
	}

	return resolved, inconsistent
}

func checkPermission(tbl *Table, perm *metadata.Permission) string {
	if perm.Role == "" {
		return "permission with empty role"
	}
	for _, col := range perm.Columns {
		if !tbl.HasColumn(col) {
			return fmt.Sprintf("column %q does not exist", col)
		}
	}
	return ""
}

func checkRelationship(src *metadata.Source, catalog map[string][]Column, local *Table, rel *metadata.Relationship) string {
	if rel.Type != "object" && rel.Type != "array" {
		return fmt.Sprintf("unknown relationship type %q", rel.Type)
	}
	tracked := false
	for i := range src.Tables {
		if src.Tables[i].Name == rel.RemoteTable {
			tracked = true
			break
		}
	}
	if !tracked {
		return fmt.Sprintf("remote table %q is not tracked", rel.RemoteTable)
	}
	if len(rel.ColumnMapping) == 0 {
		return "relationship with empty column mapping"
	}

	// The remote side is checkable only when introspection found the table;
	// a catalog-missing remote already surfaces as a table inconsistency.
	remoteColumns, remoteKnown := catalog[rel.RemoteTable]
	remoteSet := make(map[string]struct{}, len(remoteColumns))
	for _, col := range remoteColumns {
		remoteSet[col.Name] = struct{}{}
	}

	for localCol, remoteCol := range rel.ColumnMapping {
		if !local.HasColumn(localCol) {
			return fmt.Sprintf("column %q does not exist", localCol)
		}
		if remoteKnown {
			if _, ok := remoteSet[remoteCol]; !ok {
				return fmt.Sprintf("column %q does not exist on remote table %q", remoteCol, rel.RemoteTable)
			}
		}
	}
	return ""
}

func checkEventTrigger(trig *metadata.EventTrigger) string {
	if trig.WebhookURL == "" {
		return "event trigger without webhook URL"
	}
	if len(trig.TablePatterns) == 0 {
		return "event trigger without table patterns"
	}
	for _, pattern := range trig.TablePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Sprintf("invalid table pattern %q: %v", pattern, err)
		}
	}
	return ""
}

func resolveCronTriggers(triggers []metadata.CronTrigger, inconsistent *[]InconsistentObject) []metadata.CronTrigger {
	resolved := make([]metadata.CronTrigger, 0, len(triggers))
	for _, trig := range triggers {
		if trig.WebhookURL == "" {
			*inconsistent = append(*inconsistent, InconsistentObject{
				Type:   "cron_trigger",
				Name:   trig.Name,
				Reason: "cron trigger without webhook URL",
			})
			continue
		}
		if _, err := cron.ParseStandard(trig.Schedule); err != nil {
			*inconsistent = append(*inconsistent, InconsistentObject{
				Type:   "cron_trigger",
				Name:   trig.Name,
				Reason: fmt.Sprintf("invalid schedule %q: %v", trig.Schedule, err),
			})
			continue
		}
		resolved = append(resolved, trig)
	}
	return resolved
}

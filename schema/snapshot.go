package schema

import (
	"github.com/burrowql/burrow/metadata"
	"github.com/cespare/xxhash/v2"
)

// InconsistentObject records a metadata entity that failed to resolve against
// the live catalog. It never blocks the rest of the build: the broken object
// is excluded from the snapshot and surfaced here instead.
type InconsistentObject struct {
	Type   string `json:"type"` // source, table, permission, relationship, event_trigger, cron_trigger
	Source string `json:"source,omitempty"`
	Table  string `json:"table,omitempty"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Column is a resolved column from the live catalog
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Table is a tracked table resolved against the catalog
type Table struct {
	Name          string
	Columns       []Column
	Permissions   []metadata.Permission
	Relationships []metadata.Relationship

	columnSet map[string]struct{}
}

// HasColumn reports whether the resolved table has the named column
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columnSet[name]
	return ok
}

// Source is a fully resolved source sub-tree. ConfigHash fingerprints the
// declared configuration; an unchanged hash lets an incremental rebuild reuse
// the whole sub-tree without re-introspecting the catalog.
type Source struct {
	Name          string
	ConfigHash    uint64
	Tables        map[string]*Table
	EventTriggers []metadata.EventTrigger
}

// Snapshot is the immutable published view of resolved metadata at a version.
// Once built it is never mutated; readers keep their own reference and a
// published snapshot stays valid for them even after a newer one replaces it.
type Snapshot struct {
	Version      metadata.Version
	Sources      map[string]*Source
	CronTriggers []metadata.CronTrigger
	Inconsistent []InconsistentObject
}

// Table returns the resolved table, or nil if the source or table is unknown
func (s *Snapshot) Table(source, table string) *Table {
	src, ok := s.Sources[source]
	if !ok {
		return nil
	}
	return src.Tables[table]
}

// HasSource reports whether the snapshot resolved the named source
func (s *Snapshot) HasSource(name string) bool {
	_, ok := s.Sources[name]
	return ok
}

// sourceConfigHash fingerprints a source's declared configuration
func sourceConfigHash(src *metadata.Source) uint64 {
	raw, err := metadata.Encode(&metadata.Metadata{Sources: []metadata.Source{*src}})
	if err != nil {
		return 0
	}
	return xxhash.Sum64(raw)
}

package metadata

import (
	"encoding/json"
	"fmt"
)

// Version is the monotonically increasing identifier assigned by the durable
// store to each accepted metadata change.
type Version = int64

// Metadata is the declarative description of everything the server exposes:
// tracked sources, tables, permissions, relationships and triggers.
// It is user-authored JSON; resolution against live catalogs happens in the
// schema package.
type Metadata struct {
	Sources      []Source      `json:"sources"`
	CronTriggers []CronTrigger `json:"cron_triggers,omitempty"`
}

// Source is a backing database plus the tables tracked on it
type Source struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind,omitempty"` // driver hint, opaque to the core
	Connection    string         `json:"connection"`
	Tables        []Table        `json:"tables"`
	EventTriggers []EventTrigger `json:"event_triggers,omitempty"`
}

// Table is a tracked table with its permissions and relationships
type Table struct {
	Name          string         `json:"name"`
	Permissions   []Permission   `json:"permissions,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Permission grants a role access to a column subset with an optional row filter
type Permission struct {
	Role    string          `json:"role"`
	Columns []string        `json:"columns"`
	Filter  json.RawMessage `json:"filter,omitempty"`
}

// Relationship links a table to another table in the same source
type Relationship struct {
	Name          string            `json:"name"`
	Type          string            `json:"type"` // "object" or "array"
	RemoteTable   string            `json:"remote_table"`
	ColumnMapping map[string]string `json:"column_mapping"`
}

// EventTrigger fires a webhook on data changes to matching tables.
// Tables are selected by glob patterns.
type EventTrigger struct {
	Name          string   `json:"name"`
	TablePatterns []string `json:"table_patterns"`
	Operations    []string `json:"operations"` // insert, update, delete
	WebhookURL    string   `json:"webhook_url"`
}

// CronTrigger fires a webhook on a cron schedule
type CronTrigger struct {
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	WebhookURL string          `json:"webhook_url"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes a raw metadata document
func Parse(raw []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	seen := make(map[string]struct{}, len(md.Sources))
	for _, src := range md.Sources {
		if src.Name == "" {
			return nil, fmt.Errorf("source with empty name")
		}
		if _, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("duplicate source %q", src.Name)
		}
		seen[src.Name] = struct{}{}
	}

	return &md, nil
}

// Encode serializes a metadata document
func Encode(md *Metadata) ([]byte, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return raw, nil
}

// SourceByName returns the named source, or nil
func (m *Metadata) SourceByName(name string) *Source {
	for i := range m.Sources {
		if m.Sources[i].Name == name {
			return &m.Sources[i]
		}
	}
	return nil
}

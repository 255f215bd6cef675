package store

// Event status constants. Rows only ever transition status, they are never
// deleted, so the tables double as a full delivery history.
const (
	StatusAvailable = "available"
	StatusLocked    = "locked"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Class identifies one of the three event delivery classes
type Class string

const (
	ClassTrigger   Class = "trigger"
	ClassCron      Class = "cron"
	ClassScheduled Class = "scheduled"
)

// Classes lists every event class
var Classes = []Class{ClassTrigger, ClassCron, ClassScheduled}

// eventTables maps an event class to its backing table
var eventTables = map[Class]string{
	ClassTrigger:   "burrow_trigger_events",
	ClassCron:      "burrow_cron_events",
	ClassScheduled: "burrow_scheduled_events",
}

const (
	createMetadataTable = `
	CREATE TABLE IF NOT EXISTS burrow_metadata (
		version INTEGER PRIMARY KEY AUTOINCREMENT,
		raw BLOB NOT NULL, -- zstd-compressed JSON document
		created_at INTEGER NOT NULL
	);
	`

	createTriggerEventsTable = `
	CREATE TABLE IF NOT EXISTS burrow_trigger_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,            -- trigger name
		source TEXT NOT NULL,          -- source the data change came from
		webhook TEXT NOT NULL,
		payload BLOB,                  -- msgpack-encoded delivery payload
		due_time INTEGER NOT NULL,     -- unix nanos
		status TEXT NOT NULL DEFAULT 'available',
		tries INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		locked_at INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_trigger_events_fetch ON burrow_trigger_events(status, due_time, id);
	CREATE INDEX IF NOT EXISTS idx_trigger_events_lock ON burrow_trigger_events(locked_by, locked_at);
	`

	createCronEventsTable = `
	CREATE TABLE IF NOT EXISTS burrow_cron_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,            -- cron trigger name
		source TEXT NOT NULL DEFAULT '',
		webhook TEXT NOT NULL,
		payload BLOB,
		due_time INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		tries INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		locked_at INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		finished_at INTEGER,
		UNIQUE(name, due_time)         -- occurrence generation is idempotent
	);

	CREATE INDEX IF NOT EXISTS idx_cron_events_fetch ON burrow_cron_events(status, due_time, id);
	CREATE INDEX IF NOT EXISTS idx_cron_events_lock ON burrow_cron_events(locked_by, locked_at);
	`

	createScheduledEventsTable = `
	CREATE TABLE IF NOT EXISTS burrow_scheduled_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,            -- caller-supplied job name
		source TEXT NOT NULL DEFAULT '',
		webhook TEXT NOT NULL,
		payload BLOB,
		due_time INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		tries INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		locked_at INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_events_fetch ON burrow_scheduled_events(status, due_time, id);
	CREATE INDEX IF NOT EXISTS idx_scheduled_events_lock ON burrow_scheduled_events(locked_by, locked_at);
	`

	createInvocationsTable = `
	CREATE TABLE IF NOT EXISTS burrow_event_invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL,
		class TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status_code INTEGER NOT NULL,  -- 0 when the request never completed
		response TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_event ON burrow_event_invocations(class, event_id);
	`
)

// Schemas returns the DDL statements applied at startup.
// All statements are idempotent; a failure here is fatal.
func Schemas() []string {
	return []string{
		createMetadataTable,
		createTriggerEventsTable,
		createCronEventsTable,
		createScheduledEventsTable,
		createInvocationsTable,
	}
}

package store

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is one row claimed from an event queue
type Event struct {
	ID      int64
	Class   Class
	Name    string
	Source  string
	Webhook string
	Payload []byte // msgpack-encoded, see EncodePayload
	DueTime int64  // unix nanos
	Tries   int
}

// EncodePayload serializes an event payload for storage
func EncodePayload(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a stored event payload
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode event payload: %w", err)
	}
	return nil
}

// InsertEvent enqueues a new event in the available state.
// For the cron class, (name, due_time) collisions are ignored so occurrence
// generation can safely re-run on any instance.
func (s *Store) InsertEvent(class Class, name, source, webhook string, payload []byte, dueTime time.Time) error {
	table, ok := eventTables[class]
	if !ok {
		return fmt.Errorf("unknown event class %q", class)
	}

	ins := s.dialect.Insert(table).
		Rows(goqu.Record{
			"name":       name,
			"source":     source,
			"webhook":    webhook,
			"payload":    payload,
			"due_time":   dueTime.UnixNano(),
			"status":     StatusAvailable,
			"created_at": time.Now().UnixNano(),
		})
	if class == ClassCron {
		ins = ins.OnConflict(goqu.DoNothing())
	}

	query, args, err := ins.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build event insert: %w", err)
	}

	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to insert %s event: %w", class, err)
	}
	return nil
}

// FetchAndLockBatch atomically claims up to limit due events for instance.
// Selection and the available->locked transition happen inside one immediate
// write transaction, so two instances can never claim the same row. Events
// come back ordered by due time ascending, ties broken by insertion order.
func (s *Store) FetchAndLockBatch(class Class, instance string, limit int) ([]Event, error) {
	table, ok := eventTables[class]
	if !ok {
		return nil, fmt.Errorf("unknown event class %q", class)
	}

	now := time.Now().UnixNano()

	selQuery, selArgs, err := s.dialect.From(table).
		Select("id", "name", "source", "webhook", "payload", "due_time", "tries").
		Where(
			goqu.C("status").Eq(StatusAvailable),
			goqu.C("due_time").Lte(now),
		).
		Order(goqu.C("due_time").Asc(), goqu.C("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch select: %w", err)
	}

	tx, err := s.writeDB.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin fetch transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(selQuery, selArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to select available events: %w", err)
	}

	var events []Event
	var ids []int64
	for rows.Next() {
		ev := Event{Class: class}
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.Source, &ev.Webhook, &ev.Payload, &ev.DueTime, &ev.Tries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
		ids = append(ids, ev.ID)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to read event rows: %w", err)
	}

	if len(events) == 0 {
		return nil, nil
	}

	updQuery, updArgs, err := s.dialect.Update(table).
		Set(goqu.Record{
			"status":    StatusLocked,
			"locked_by": instance,
			"locked_at": now,
		}).
		Where(
			goqu.C("id").In(ids),
			goqu.C("status").Eq(StatusAvailable),
		).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build lock update: %w", err)
	}

	if _, err := tx.Exec(updQuery, updArgs...); err != nil {
		return nil, fmt.Errorf("failed to lock events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event locks: %w", err)
	}

	return events, nil
}

// AckDelivered marks an event as successfully delivered
func (s *Store) AckDelivered(class Class, id int64, tries int) error {
	return s.finishEvent(class, id, StatusDelivered, tries, "")
}

// AckFailed marks an event as permanently failed. The row is kept.
func (s *Store) AckFailed(class Class, id int64, tries int, detail string) error {
	return s.finishEvent(class, id, StatusFailed, tries, detail)
}

func (s *Store) finishEvent(class Class, id int64, status string, tries int, detail string) error {
	table, ok := eventTables[class]
	if !ok {
		return fmt.Errorf("unknown event class %q", class)
	}

	record := goqu.Record{
		"status":      status,
		"tries":       tries,
		"locked_by":   nil,
		"locked_at":   nil,
		"finished_at": time.Now().UnixNano(),
	}
	if detail != "" {
		record["last_error"] = detail
	}

	query, args, err := s.dialect.Update(table).
		Set(record).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build ack update: %w", err)
	}

	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to ack %s event %d: %w", class, id, err)
	}
	return nil
}

// RecordInvocation appends one delivery attempt to the invocation log
func (s *Store) RecordInvocation(class Class, eventID int64, attempt, statusCode int, response string) error {
	query, args, err := s.dialect.Insert("burrow_event_invocations").
		Rows(goqu.Record{
			"event_id":    eventID,
			"class":       string(class),
			"attempt":     attempt,
			"status_code": statusCode,
			"response":    response,
			"created_at":  time.Now().UnixNano(),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build invocation insert: %w", err)
	}

	if _, err := s.writeDB.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

// UnlockStale releases locks older than threshold across all classes.
// Any instance may run this; it is how events claimed by a crashed instance
// become claimable again.
func (s *Store) UnlockStale(threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold).UnixNano()

	var total int64
	for _, class := range Classes {
		n, err := s.unlockWhere(class, goqu.Ex{
			"status": StatusLocked,
		}, goqu.C("locked_at").Lt(cutoff))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// UnlockInstance releases every lock held by instance for the given classes.
// Used by the shutdown coordinator to hand leftover claims to live peers.
func (s *Store) UnlockInstance(instance string, classes ...Class) (int64, error) {
	var total int64
	for _, class := range classes {
		n, err := s.unlockWhere(class, goqu.Ex{
			"status":    StatusLocked,
			"locked_by": instance,
		})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Store) unlockWhere(class Class, conditions ...goqu.Expression) (int64, error) {
	table := eventTables[class]

	query, args, err := s.dialect.Update(table).
		Set(goqu.Record{
			"status":    StatusAvailable,
			"locked_by": nil,
			"locked_at": nil,
		}).
		Where(conditions...).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build unlock update: %w", err)
	}

	res, err := s.writeDB.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock %s events: %w", class, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueDepth returns the number of events per status for a class
func (s *Store) QueueDepth(class Class) (map[string]int64, error) {
	table, ok := eventTables[class]
	if !ok {
		return nil, fmt.Errorf("unknown event class %q", class)
	}

	query, args, err := s.dialect.From(table).
		Select("status", goqu.COUNT("*")).
		GroupBy("status").
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build depth select: %w", err)
	}

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s queue depth: %w", class, err)
	}
	defer rows.Close()

	depths := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan depth row: %w", err)
		}
		depths[status] = count
	}
	return depths, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the shared durable store every instance coordinates through:
// versioned metadata plus the three event queues. It is the only
// cross-instance mutual-exclusion mechanism in the system.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	dialect goqu.DialectWrapper
}

// Open opens (and migrates) the store at path.
// A migration failure here means the process cannot start.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection, immediate txlock so claims serialize at BEGIN)
	writeDSN := withDSNParams(path, isMemoryDB, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS))
	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// Read connection pool
	readDSN := withDSNParams(path, isMemoryDB, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS))
	readDB, err := sql.Open("sqlite3", readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open store read connection: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	if !isMemoryDB {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA temp_store=MEMORY",
		} {
			for _, db := range []*sql.DB{writeDB, readDB} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
				}
			}
		}
	}

	// Run migration
	for _, schema := range Schemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("failed to migrate store schema: %w", err)
		}
	}

	return &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		dialect: goqu.Dialect("sqlite3"),
	}, nil
}

func withDSNParams(path string, isMemoryDB bool, params string) string {
	if isMemoryDB {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close closes both database connections
func (s *Store) Close() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

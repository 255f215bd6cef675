package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/burrowql/burrow/metadata"
	"github.com/burrowql/burrow/schema"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteIntrospector resolves declared sources against live SQLite catalogs.
// Only the "sqlite" source kind is supported; other kinds come back as an
// error and surface as inconsistent sources in the snapshot.
type SQLiteIntrospector struct {
	pool *Pool
}

// NewSQLiteIntrospector creates an introspector backed by pool
func NewSQLiteIntrospector(pool *Pool) *SQLiteIntrospector {
	return &SQLiteIntrospector{pool: pool}
}

// DescribeSource reads the live columns of every table present in the source
// database. Declared tables missing from the result are reported as
// inconsistent by the snapshot builder, not here.
func (i *SQLiteIntrospector) DescribeSource(ctx context.Context, src metadata.Source) (map[string][]schema.Column, error) {
	if src.Kind != "" && src.Kind != "sqlite" {
		return nil, fmt.Errorf("unsupported source kind %q", src.Kind)
	}

	db, err := i.pool.acquire(src.Name, src.Connection)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("source %q is unreachable: %w", src.Name, err)
	}

	tables := make(map[string][]schema.Column, len(src.Tables))
	for _, declared := range src.Tables {
		columns, err := i.describeTable(ctx, db, declared.Name)
		if err != nil {
			return nil, err
		}
		if len(columns) > 0 {
			tables[declared.Name] = columns
		}
	}
	return tables, nil
}

func (i *SQLiteIntrospector) describeTable(ctx context.Context, db *sql.DB, table string) ([]schema.Column, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, type, \"notnull\" FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %q: %w", table, err)
	}
	defer rows.Close()

	var columns []schema.Column
	for rows.Next() {
		var col schema.Column
		var notNull int
		if err := rows.Scan(&col.Name, &col.Type, &notNull); err != nil {
			return nil, fmt.Errorf("failed to scan column of %q: %w", table, err)
		}
		col.Nullable = notNull == 0
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

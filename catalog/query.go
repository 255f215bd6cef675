package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/burrowql/burrow/livequery"
	"github.com/burrowql/burrow/schema"
)

// queryDoc is the subscription query text accepted by the SQL compiler:
// a JSON envelope naming the source and a read-only SQL statement with
// named parameters ($name / :name / @name).
type queryDoc struct {
	Source string `json:"source"`
	SQL    string `json:"sql"`
}

// plan is a compiled SQL subscription
type plan struct {
	source string
	sql    string
}

// SQLCompiler compiles SQL subscription envelopes against a snapshot.
// Compilation validates the source exists and the role is granted at least
// one permission somewhere in it; row and column enforcement stays in the
// authored SQL.
type SQLCompiler struct{}

// NewSQLCompiler creates the pass-through SQL compiler
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile validates and compiles one subscription query. The plan reads from
// exactly the source named in the envelope.
func (c *SQLCompiler) Compile(snap *schema.Snapshot, query, role string) (livequery.CompiledPlan, []string, error) {
	var doc queryDoc
	if err := json.Unmarshal([]byte(query), &doc); err != nil {
		return nil, nil, fmt.Errorf("invalid query document: %w", err)
	}
	if doc.Source == "" || doc.SQL == "" {
		return nil, nil, fmt.Errorf("query document requires source and sql")
	}

	stmt := strings.TrimSpace(doc.SQL)
	if !strings.HasPrefix(strings.ToUpper(stmt), "SELECT") {
		return nil, nil, fmt.Errorf("subscriptions accept SELECT statements only")
	}

	src, ok := snap.Sources[doc.Source]
	if !ok {
		return nil, nil, fmt.Errorf("unknown source %q", doc.Source)
	}
	if role != "" && !roleGranted(src, role) {
		return nil, nil, fmt.Errorf("role %q has no permissions on source %q", role, doc.Source)
	}

	return &plan{source: doc.Source, sql: stmt}, []string{doc.Source}, nil
}

func roleGranted(src *schema.Source, role string) bool {
	for _, table := range src.Tables {
		for _, perm := range table.Permissions {
			if perm.Role == role {
				return true
			}
		}
	}
	return false
}

// SQLExecutor runs compiled plans against pooled source databases, one
// statement per variable set, and serializes each result as a JSON array of
// row objects.
type SQLExecutor struct {
	pool *Pool
}

// NewSQLExecutor creates an executor backed by pool
func NewSQLExecutor(pool *Pool) *SQLExecutor {
	return &SQLExecutor{pool: pool}
}

// Execute runs the plan for every variable set and returns results in order
func (e *SQLExecutor) Execute(ctx context.Context, compiled livequery.CompiledPlan, variables []livequery.VariableSet) ([][]byte, error) {
	p, ok := compiled.(*plan)
	if !ok {
		return nil, fmt.Errorf("unexpected plan type %T", compiled)
	}

	db, err := e.pool.Get(p.source)
	if err != nil {
		return nil, err
	}

	results := make([][]byte, len(variables))
	for i, vars := range variables {
		args := make([]any, 0, len(vars))
		for name, value := range vars {
			args = append(args, sql.Named(name, value))
		}

		serialized, err := e.runOne(ctx, db, p.sql, args)
		if err != nil {
			return nil, err
		}
		results[i] = serialized
	}
	return results, nil
}

func (e *SQLExecutor) runOne(ctx context.Context, db *sql.DB, stmt string, args []any) ([]byte, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, 8)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, name := range columns {
			if b, isBytes := values[i].([]byte); isBytes {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

package catalog

import (
	"database/sql"
	"fmt"
	"sync"
)

// Pool holds one read connection pool per configured source. Sources are
// registered during introspection and reused by the query executor, so both
// sides always agree on which database a source name points at.
type Pool struct {
	mu      sync.Mutex
	sources map[string]*pooledSource
}

type pooledSource struct {
	dsn string
	db  *sql.DB
}

// NewPool creates an empty source pool
func NewPool() *Pool {
	return &Pool{sources: make(map[string]*pooledSource)}
}

// acquire returns the pool for a source, opening it on first use or when the
// connection string changed
func (p *Pool) acquire(name, dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.sources[name]; ok {
		if cur.dsn == dsn {
			return cur.db, nil
		}
		cur.db.Close()
		delete(p.sources, name)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source %q: %w", name, err)
	}
	db.SetMaxOpenConns(4)

	p.sources[name] = &pooledSource{dsn: dsn, db: db}
	return db, nil
}

// Get returns the open pool for a previously registered source
func (p *Pool) Get(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.sources[name]
	if !ok {
		return nil, fmt.Errorf("source %q is not connected", name)
	}
	return cur.db, nil
}

// Close closes every source pool
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, cur := range p.sources {
		cur.db.Close()
		delete(p.sources, name)
	}
}

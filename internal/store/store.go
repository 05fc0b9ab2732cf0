// Package store is the Job Store: the single relational database
// holding nodes, datasets, the three job kinds, host-config backup jobs,
// job logs, the VM registry, and typed settings. Built on jmoiron/sqlx +
// modernc.org/sqlite because filtered, windowed queries (job history,
// trailing-24h notification summaries) are what a schema-bearing SQL store
// expresses directly; Badger is kept for internal/invcache's pure
// TTL-cache role instead.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
)

// Store wraps a sqlx.DB handle and the logger used for query diagnostics.
type Store struct {
	db     *sqlx.DB
	logger ifaces.Logger
}

// Open opens (creating if necessary) a SQLite database at path and applies
// the schema migration. A nil logger installs a no-op logger.
func Open(path string, logger ifaces.Logger) (*Store, error) {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema, idempotently. There is no versioned migration
// chain: the schema is additive-only and `CREATE TABLE IF NOT EXISTS` /
// `CREATE INDEX IF NOT EXISTS` suffice for this daemon's single-binary
// deployment model -- no external migration tool is assumed.
func (s *Store) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w\n%s", err, stmt)
		}
	}
	return seedDefaultSettings(context.Background(), s)
}

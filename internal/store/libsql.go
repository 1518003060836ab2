package store

import (
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/maestro.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open(dialectLibSQL.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers; transactions never nest.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, d: dialectLibSQL}, nil
}

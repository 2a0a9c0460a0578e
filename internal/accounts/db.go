// Package accounts is the upend application logic behind signon: a SQLite
// user directory with bcrypt password hashes, a persistent per-login
// failure ledger and the inward duty that combines them with a lockout
// threshold.
package accounts

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS users (
	login         TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	phone_number  TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signon_failures (
	login          TEXT PRIMARY KEY,
	failures       INTEGER NOT NULL DEFAULT 0,
	last_failed_at INTEGER NOT NULL DEFAULT 0
);
`

// OpenDB opens the accounts database at path with WAL pragmas and applies
// the schema.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open accounts database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate accounts schema: %w", err)
	}
	return db, nil
}

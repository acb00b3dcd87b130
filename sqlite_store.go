package hddo

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reservations (
  commitment TEXT    PRIMARY KEY,
  token      TEXT    NOT NULL,
  expires    INTEGER NOT NULL       -- unix nanoseconds
);
CREATE TABLE IF NOT EXISTS records (
  commitment TEXT PRIMARY KEY,
  disclosure TEXT NOT NULL UNIQUE,
  payload    BLOB NOT NULL          -- CBOR entry
);
CREATE TABLE IF NOT EXISTS nonces (
  commitment TEXT PRIMARY KEY,
  nonce      BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS disclosures (
  disclosure TEXT PRIMARY KEY,
  commitment TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS reservations_expires_idx ON reservations(expires);
`

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	st, err := newSQLStore(db, sqlDialect{name: "sqlite", schema: sqliteSchema})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

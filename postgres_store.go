package hddo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reservations (
	commitment VARCHAR(64) PRIMARY KEY,
	token      TEXT        NOT NULL,
	expires    BIGINT      NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	commitment VARCHAR(64) PRIMARY KEY,
	disclosure VARCHAR(64) NOT NULL UNIQUE,
	payload    BYTEA       NOT NULL
);
CREATE TABLE IF NOT EXISTS nonces (
	commitment VARCHAR(64) PRIMARY KEY,
	nonce      BYTEA       NOT NULL
);
CREATE TABLE IF NOT EXISTS disclosures (
	disclosure VARCHAR(64) PRIMARY KEY,
	commitment VARCHAR(64) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_expires ON reservations(expires);
`

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"sslmode" yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// OpenPostgresStore opens a PostgreSQL-backed store. dsn is either a
// key=value connection string or a postgres:// URL.
func OpenPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	st, err := newSQLStore(db, sqlDialect{
		name:      "postgres",
		schema:    postgresSchema,
		numbered:  true,
		retryable: isSerializationFailure,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// isSerializationFailure matches serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

package hddo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name   string
	schema string
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
	// retryable reports transaction errors worth retrying, such as
	// serialization failures.
	retryable func(error) bool
}

const sqlTxAttempts = 3

// sqlStore implements Store on database/sql. Queries are written with ?
// placeholders and rewritten for the dialect.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
	timeout time.Duration
}

func newSQLStore(db *sql.DB, d sqlDialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d, timeout: 5 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("create %s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tx runs fn in a serializable transaction, retrying dialect-specific
// transient failures. An error returned by fn rolls back.
func (s *sqlStore) tx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < sqlTxAttempts; attempt++ {
		err = s.tryTx(fn)
		if err == nil || s.dialect.retryable == nil || !s.dialect.retryable(err) {
			return err
		}
	}
	return err
}

func (s *sqlStore) tryTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) Reserve(commitment string, res Reservation, now time.Time) error {
	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM records WHERE commitment = ?`),
			commitment).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrReservationConflict
		}
		var expires int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT expires FROM reservations WHERE commitment = ?`),
			commitment).Scan(&expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case now.UnixNano() < expires:
			return ErrReservationConflict
		}
		_, err = tx.ExecContext(ctx, s.q(
			`INSERT INTO reservations(commitment, token, expires) VALUES(?, ?, ?)
			 ON CONFLICT(commitment) DO UPDATE SET token=excluded.token, expires=excluded.expires`),
			commitment, res.Token, res.Expires.UnixNano())
		return err
	})
}

func (s *sqlStore) Commit(e Entry, token string, now time.Time) error {
	payload, err := marshalEntry(e)
	if err != nil {
		return err
	}
	c, d := e.Record.CommitmentHash, e.Record.DisclosureHash
	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		var (
			stored  string
			expires int64
		)
		err := tx.QueryRowContext(ctx, s.q(`SELECT token, expires FROM reservations WHERE commitment = ?`),
			c).Scan(&stored, &expires)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidReservation
		}
		if err != nil {
			return err
		}
		if stored != token || now.UnixNano() >= expires {
			return ErrInvalidReservation
		}
		var n int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM disclosures WHERE disclosure = ?`),
			d).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return errDisclosureCollision
		}
		for _, stmt := range []struct {
			query string
			args  []any
		}{
			{`INSERT INTO records(commitment, disclosure, payload) VALUES(?, ?, ?)`, []any{c, d, payload}},
			{`INSERT INTO nonces(commitment, nonce) VALUES(?, ?)`, []any{c, e.Nonce}},
			{`INSERT INTO disclosures(disclosure, commitment) VALUES(?, ?)`, []any{d, c}},
			{`DELETE FROM reservations WHERE commitment = ?`, []any{c}},
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt.query), stmt.args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) Entry(commitment string) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM records WHERE commitment = ?`),
		commitment).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := unmarshalEntry(payload)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *sqlStore) Resolve(disclosure string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	var c string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT commitment FROM disclosures WHERE disclosure = ?`),
		disclosure).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c, true, nil
}

func (s *sqlStore) Purge(commitment string) error {
	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		var d string
		err := tx.QueryRowContext(ctx, s.q(`SELECT disclosure FROM records WHERE commitment = ?`),
			commitment).Scan(&d)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		for _, stmt := range []struct {
			query string
			arg   string
		}{
			{`DELETE FROM records WHERE commitment = ?`, commitment},
			{`DELETE FROM nonces WHERE commitment = ?`, commitment},
			{`DELETE FROM disclosures WHERE disclosure = ?`, d},
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt.query), stmt.arg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqlStore) ExpireReservations(now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM reservations WHERE expires <= ?`), now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) Commitments() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT commitment FROM records ORDER BY commitment`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) Stats() (Stats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM reservations),
		(SELECT COUNT(*) FROM records),
		(SELECT COUNT(*) FROM disclosures)`).Scan(&st.Reservations, &st.Records, &st.Disclosures)
	return st, err
}

func (s *sqlStore) Reset() error {
	return s.tx(func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range []string{"reservations", "records", "nonces", "disclosures"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) Close() error { return s.db.Close() }

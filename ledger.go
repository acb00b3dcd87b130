package hddo

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Ledger defaults.
const (
	DefaultReservationTTL   = 5 * time.Minute
	DefaultReapInterval     = time.Minute
	DefaultMaxNonceAttempts = 8
)

// LedgerConfig configures a Ledger. The zero value is usable.
type LedgerConfig struct {
	// ReservationTTL is how long a reservation token stays valid.
	ReservationTTL time.Duration
	// ReapInterval is the period of the expired-reservation sweep in Run.
	ReapInterval time.Duration
	// MaxNonceAttempts bounds disclosure-hash collision retries in Accept.
	MaxNonceAttempts int
	// Logger receives structured events. Nil discards them.
	Logger *slog.Logger
	// Now replaces time.Now.
	Now func() time.Time
}

func (c *LedgerConfig) withDefaults() {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.MaxNonceAttempts <= 0 {
		c.MaxNonceAttempts = DefaultMaxNonceAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Ledger is the shared record store: it grants reservations on commitment
// hashes, accepts sendable records against them, serves capability scripts
// and deletes records on proof of salt knowledge. All index changes happen
// under one lock, so reserve, accept and delete never interleave. A Ledger
// implements Transport for in-process use.
type Ledger struct {
	mu    sync.Mutex
	cfg   LedgerConfig
	store Store
	log   *slog.Logger
}

var _ Transport = (*Ledger)(nil)

// NewLedger returns a ledger over store. A nil store means NewMemoryStore.
// The ledger owns the store and closes it in Close.
func NewLedger(cfg LedgerConfig, store Store) *Ledger {
	cfg.withDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{cfg: cfg, store: store, log: cfg.Logger}
}

// Reserve claims commitment for ReservationTTL and returns the token that
// Accept requires. It fails with ErrReservationConflict if the commitment is
// already reserved or stored.
func (l *Ledger) Reserve(ctx context.Context, commitment string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !isDigest(commitment) {
		return "", initErrorf("malformed commitment hash %q", commitment)
	}
	token, err := randomText(TokenSize)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	err = l.store.Reserve(commitment, Reservation{Token: token, Expires: now.Add(l.cfg.ReservationTTL)}, now)
	if errors.Is(err, ErrReservationConflict) {
		l.log.Info("reservation rejected", "commitment", commitment)
		return "", fmt.Errorf("%w: commitment %s", ErrReservationConflict, commitment)
	}
	if err != nil {
		return "", fmt.Errorf("store reservation: %w", err)
	}
	l.log.Debug("reservation granted", "commitment", commitment, "ttl", l.cfg.ReservationTTL)
	return token, nil
}

// Accept stores rec under its commitment hash, consuming the reservation
// identified by token, and returns the new disclosure hash. Any hashes
// already present on rec other than the commitment are ignored.
func (l *Ledger) Accept(ctx context.Context, rec SendableRecord, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := rec.validate(); err != nil {
		return "", err
	}
	c := rec.CommitmentHash
	if !isDigest(c) {
		return "", fmt.Errorf("%w: malformed commitment hash %q", ErrInvalidReservation, c)
	}
	stored := rec.Clone()
	canonical := stored.Canonical()

	l.mu.Lock()
	defer l.mu.Unlock()
	for attempt := 0; attempt < l.cfg.MaxNonceAttempts; attempt++ {
		nonce, err := randomBytes(NonceSize)
		if err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		stored.DisclosureHash = Digest(append([]byte(canonical), nonce...))
		err = l.store.Commit(Entry{Record: stored, Nonce: nonce}, token, l.cfg.Now())
		switch {
		case err == nil:
			l.log.Info("record accepted", "commitment", c, "disclosure", stored.DisclosureHash)
			return stored.DisclosureHash, nil
		case errors.Is(err, errDisclosureCollision):
			l.log.Warn("disclosure hash collision, retrying", "commitment", c, "attempt", attempt+1)
		case errors.Is(err, ErrInvalidReservation):
			l.log.Info("accept rejected", "commitment", c)
			return "", fmt.Errorf("%w: no live reservation for commitment %s", ErrInvalidReservation, c)
		default:
			return "", fmt.Errorf("commit record: %w", err)
		}
	}
	return "", fmt.Errorf("commit record: %w after %d nonces", errDisclosureCollision, l.cfg.MaxNonceAttempts)
}

// Delete purges the record stored under rec.CommitmentHash when rec matches
// the stored content and salt reproduces the commitment hash.
func (l *Ledger) Delete(ctx context.Context, rec SendableRecord, salt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := rec.CommitmentHash

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok, err := l.entryLocked(c)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: commitment %s", ErrNotFound, c)
	}
	stored := e.Record.Canonical()
	if rec.Canonical() != stored {
		l.log.Info("delete rejected", "commitment", c, "reason", "content mismatch")
		return fmt.Errorf("%w: content mismatch", ErrProofMismatch)
	}
	candidate := Digest([]byte(salt + stored))
	if !hmac.Equal([]byte(candidate), []byte(e.Record.CommitmentHash)) {
		l.log.Info("delete rejected", "commitment", c, "reason", "salt proof")
		return fmt.Errorf("%w: salt does not reproduce the commitment hash", ErrProofMismatch)
	}
	if err := l.store.Purge(c); err != nil {
		return fmt.Errorf("purge record: %w", err)
	}
	l.log.Info("record deleted", "commitment", c)
	return nil
}

// Broadcast returns a copy of the capability script stored with commitment.
func (l *Ledger) Broadcast(ctx context.Context, commitment string) (Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := l.Record(ctx, commitment)
	if err != nil {
		return nil, err
	}
	if len(rec.Script) == 0 {
		return nil, fmt.Errorf("%w: record %s has no capability script", ErrNotFound, commitment)
	}
	return rec.Script.Clone(), nil
}

// Record returns the sendable record stored under commitment.
func (l *Ledger) Record(ctx context.Context, commitment string) (SendableRecord, error) {
	if err := ctx.Err(); err != nil {
		return SendableRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok, err := l.entryLocked(commitment)
	if err != nil {
		return SendableRecord{}, err
	}
	if !ok {
		return SendableRecord{}, fmt.Errorf("%w: commitment %s", ErrNotFound, commitment)
	}
	return e.Record, nil
}

// Lookup resolves a public disclosure hash to the stored sendable record.
func (l *Ledger) Lookup(ctx context.Context, disclosure string) (SendableRecord, error) {
	if err := ctx.Err(); err != nil {
		return SendableRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !isDigest(disclosure) {
		return SendableRecord{}, fmt.Errorf("%w: disclosure %s", ErrNotFound, disclosure)
	}
	c, ok, err := l.store.Resolve(disclosure)
	if err != nil {
		return SendableRecord{}, fmt.Errorf("resolve disclosure: %w", err)
	}
	if !ok {
		return SendableRecord{}, fmt.Errorf("%w: disclosure %s", ErrNotFound, disclosure)
	}
	e, ok, err := l.entryLocked(c)
	if err != nil {
		return SendableRecord{}, err
	}
	if !ok {
		return SendableRecord{}, fmt.Errorf("%w: disclosure %s", ErrNotFound, disclosure)
	}
	return e.Record, nil
}

func (l *Ledger) entryLocked(commitment string) (Entry, bool, error) {
	if !isDigest(commitment) {
		return Entry{}, false, nil
	}
	e, ok, err := l.store.Entry(commitment)
	if err != nil {
		return Entry{}, false, fmt.Errorf("load record: %w", err)
	}
	return e, ok, nil
}

// Stats reports the sizes of the ledger tables.
func (l *Ledger) Stats() (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Stats()
}

// Reset clears every table. It is the only way records leave the ledger
// without a deletion proof.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	l.log.Warn("ledger reset")
	return nil
}

// Reap drops expired reservations and returns how many were removed.
func (l *Ledger) Reap() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.store.ExpireReservations(l.cfg.Now())
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	if n > 0 {
		l.log.Info("expired reservations reaped", "count", n)
	}
	return n, nil
}

// Run reaps expired reservations every ReapInterval until ctx is done. It
// returns ctx.Err().
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.Reap(); err != nil {
				l.log.Error("reaper sweep failed", "err", err)
			}
		}
	}
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}

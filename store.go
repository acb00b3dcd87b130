package hddo

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Reservation is a pending claim on a commitment hash.
type Reservation struct {
	Token   string
	Expires time.Time
}

// live reports whether the reservation is still valid at now.
func (r Reservation) live(now time.Time) bool {
	return now.Before(r.Expires)
}

// Entry is what a ledger keeps per accepted record: the sendable form with
// both hashes set, and the nonce that produced the disclosure hash.
type Entry struct {
	Record SendableRecord
	Nonce  []byte
}

// Stats reports ledger table sizes.
type Stats struct {
	Reservations int `json:"reservations"`
	Records      int `json:"records"`
	Disclosures  int `json:"disclosures"`
}

// errDisclosureCollision is returned by Store.Commit when the disclosure hash
// is already indexed. The ledger retries with a fresh nonce.
var errDisclosureCollision = errors.New("disclosure hash collision")

// Store persists the four ledger tables: reservations, records and nonces
// keyed by commitment hash, and the disclosure index. Every method is atomic
// on its own; a Store may be shared by several processes when the backend
// supports it.
type Store interface {
	// Reserve records res for commitment. It fails with
	// ErrReservationConflict when a live reservation or a stored record
	// already exists for that commitment. Expired reservations are replaced.
	Reserve(commitment string, res Reservation, now time.Time) error
	// Commit stores e under e.Record.CommitmentHash, consuming the
	// reservation identified by token. It fails with ErrInvalidReservation
	// when the token does not match a live reservation, and with
	// errDisclosureCollision when e.Record.DisclosureHash is taken. Nothing is
	// written on failure.
	Commit(e Entry, token string, now time.Time) error
	// Entry returns the entry stored under commitment.
	Entry(commitment string) (Entry, bool, error)
	// Resolve maps a disclosure hash to its commitment hash.
	Resolve(disclosure string) (string, bool, error)
	// Purge removes the record, its nonce and its disclosure index entry.
	// It fails with ErrNotFound when nothing is stored under commitment.
	Purge(commitment string) error
	// ExpireReservations drops reservations that are no longer live.
	ExpireReservations(now time.Time) (int, error)
	// Commitments lists the commitment hashes of all stored records in
	// ascending order.
	Commitments() ([]string, error)
	Stats() (Stats, error)
	// Reset clears every table.
	Reset() error
	Close() error
}

type memoryStore struct {
	mu           sync.RWMutex
	reserved     map[string]Reservation
	byCommitment map[string]SendableRecord
	nonces       map[string][]byte
	byDisclosure map[string]string
}

// NewMemoryStore returns an in-process Store backed by maps.
func NewMemoryStore() Store {
	s := &memoryStore{}
	s.init()
	return s
}

func (s *memoryStore) init() {
	s.reserved = make(map[string]Reservation)
	s.byCommitment = make(map[string]SendableRecord)
	s.nonces = make(map[string][]byte)
	s.byDisclosure = make(map[string]string)
}

func (s *memoryStore) Reserve(commitment string, res Reservation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCommitment[commitment]; ok {
		return ErrReservationConflict
	}
	if cur, ok := s.reserved[commitment]; ok && cur.live(now) {
		return ErrReservationConflict
	}
	s.reserved[commitment] = res
	return nil
}

func (s *memoryStore) Commit(e Entry, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, d := e.Record.CommitmentHash, e.Record.DisclosureHash
	res, ok := s.reserved[c]
	if !ok || res.Token != token || !res.live(now) {
		return ErrInvalidReservation
	}
	if _, taken := s.byDisclosure[d]; taken {
		return errDisclosureCollision
	}
	s.byCommitment[c] = e.Record.Clone()
	s.nonces[c] = append([]byte(nil), e.Nonce...)
	s.byDisclosure[d] = c
	delete(s.reserved, c)
	return nil
}

func (s *memoryStore) Entry(commitment string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byCommitment[commitment]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Record: rec.Clone(), Nonce: append([]byte(nil), s.nonces[commitment]...)}, true, nil
}

func (s *memoryStore) Resolve(disclosure string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byDisclosure[disclosure]
	return c, ok, nil
}

func (s *memoryStore) Purge(commitment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byCommitment[commitment]
	if !ok {
		return ErrNotFound
	}
	delete(s.byCommitment, commitment)
	delete(s.nonces, commitment)
	delete(s.byDisclosure, rec.DisclosureHash)
	return nil
}

func (s *memoryStore) ExpireReservations(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c, res := range s.reserved {
		if !res.live(now) {
			delete(s.reserved, c)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Commitments() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byCommitment))
	for c := range s.byCommitment {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Reservations: len(s.reserved),
		Records:      len(s.byCommitment),
		Disclosures:  len(s.byDisclosure),
	}, nil
}

func (s *memoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return nil
}

func (s *memoryStore) Close() error { return nil }

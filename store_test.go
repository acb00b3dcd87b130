package hddo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// storeFactories opens every backend available in the test environment.
// PostgreSQL is exercised only when HDDO_POSTGRES_DSN is set.
func storeFactories() map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := OpenFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("HDDO_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgresStore(dsn)
			require.NoError(t, err)
			require.NoError(t, s.Reset())
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func testEntry(t *testing.T, seed string) Entry {
	t.Helper()
	d, err := NewDataUnit("a.b", seed, WithTimestamp(ts0))
	require.NoError(t, err)
	return Entry{
		Record: SendableRecord{
			Data:           d,
			Script:         Script{"3", SigKeyPlaceholder, OpAdd, "10"},
			IdentityInfo:   []InfoEntry{{Key: "k", Value: "v"}},
			Message:        "m-" + seed,
			CommitmentHash: Digest([]byte("commitment " + seed)),
			DisclosureHash: Digest([]byte("disclosure " + seed)),
		},
		Nonce: []byte("nonce " + seed),
	}
}

func TestStore_ReserveCommit(t *testing.T) {
	now := time.Unix(ts0, 0)
	forEachStore(t, func(t *testing.T, s Store) {
		e := testEntry(t, "one")
		c := e.Record.CommitmentHash
		res := Reservation{Token: "tok", Expires: now.Add(time.Minute)}

		require.NoError(t, s.Reserve(c, res, now))
		require.ErrorIs(t, s.Reserve(c, res, now), ErrReservationConflict)

		require.ErrorIs(t, s.Commit(e, "wrong", now), ErrInvalidReservation)
		require.ErrorIs(t, s.Commit(e, "tok", now.Add(time.Minute)), ErrInvalidReservation)
		require.NoError(t, s.Commit(e, "tok", now))

		// The reservation is consumed and the commitment stays taken.
		require.ErrorIs(t, s.Commit(e, "tok", now), ErrInvalidReservation)
		require.ErrorIs(t, s.Reserve(c, res, now), ErrReservationConflict)

		got, ok, err := s.Entry(c)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, e.Record.Canonical(), got.Record.Canonical())
		require.Equal(t, c, got.Record.CommitmentHash)
		require.Equal(t, e.Record.DisclosureHash, got.Record.DisclosureHash)
		require.Equal(t, e.Nonce, got.Nonce)
		require.True(t, e.Record.Data.Equal(got.Record.Data))

		resolved, ok, err := s.Resolve(e.Record.DisclosureHash)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, c, resolved)

		st, err := s.Stats()
		require.NoError(t, err)
		require.Equal(t, Stats{Reservations: 0, Records: 1, Disclosures: 1}, st)
	})
}

func TestStore_Missing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, ok, err := s.Entry(Digest([]byte("absent")))
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = s.Resolve(Digest([]byte("absent")))
		require.NoError(t, err)
		require.False(t, ok)
		require.ErrorIs(t, s.Purge(Digest([]byte("absent"))), ErrNotFound)
	})
}

func TestStore_ExpiredReservationReplaced(t *testing.T) {
	now := time.Unix(ts0, 0)
	forEachStore(t, func(t *testing.T, s Store) {
		e := testEntry(t, "expiring")
		c := e.Record.CommitmentHash
		require.NoError(t, s.Reserve(c, Reservation{Token: "old", Expires: now.Add(time.Second)}, now))

		later := now.Add(2 * time.Second)
		require.NoError(t, s.Reserve(c, Reservation{Token: "new", Expires: later.Add(time.Minute)}, later))
		require.ErrorIs(t, s.Commit(e, "old", later), ErrInvalidReservation)
		require.NoError(t, s.Commit(e, "new", later))
	})
}

func TestStore_DisclosureCollision(t *testing.T) {
	now := time.Unix(ts0, 0)
	forEachStore(t, func(t *testing.T, s Store) {
		first := testEntry(t, "first")
		second := testEntry(t, "second")
		second.Record.DisclosureHash = first.Record.DisclosureHash
		res := Reservation{Token: "tok", Expires: now.Add(time.Minute)}

		require.NoError(t, s.Reserve(first.Record.CommitmentHash, res, now))
		require.NoError(t, s.Reserve(second.Record.CommitmentHash, res, now))
		require.NoError(t, s.Commit(first, "tok", now))
		require.ErrorIs(t, s.Commit(second, "tok", now), errDisclosureCollision)

		// Nothing was written and the reservation survives for a retry.
		_, ok, err := s.Entry(second.Record.CommitmentHash)
		require.NoError(t, err)
		require.False(t, ok)
		second.Record.DisclosureHash = Digest([]byte("another"))
		require.NoError(t, s.Commit(second, "tok", now))
	})
}

func TestStore_Purge(t *testing.T) {
	now := time.Unix(ts0, 0)
	forEachStore(t, func(t *testing.T, s Store) {
		e := testEntry(t, "purged")
		c := e.Record.CommitmentHash
		require.NoError(t, s.Reserve(c, Reservation{Token: "tok", Expires: now.Add(time.Minute)}, now))
		require.NoError(t, s.Commit(e, "tok", now))

		require.NoError(t, s.Purge(c))
		require.ErrorIs(t, s.Purge(c), ErrNotFound)
		_, ok, err := s.Entry(c)
		require.NoError(t, err)
		require.False(t, ok)
		_, ok, err = s.Resolve(e.Record.DisclosureHash)
		require.NoError(t, err)
		require.False(t, ok)

		st, err := s.Stats()
		require.NoError(t, err)
		require.Equal(t, Stats{}, st)
	})
}

func TestStore_ExpireAndReset(t *testing.T) {
	now := time.Unix(ts0, 0)
	forEachStore(t, func(t *testing.T, s Store) {
		short := Digest([]byte("short"))
		long := Digest([]byte("long"))
		require.NoError(t, s.Reserve(short, Reservation{Token: "a", Expires: now.Add(time.Second)}, now))
		require.NoError(t, s.Reserve(long, Reservation{Token: "b", Expires: now.Add(time.Hour)}, now))

		n, err := s.ExpireReservations(now.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		st, err := s.Stats()
		require.NoError(t, err)
		require.Equal(t, 1, st.Reservations)

		e := testEntry(t, "reset")
		require.NoError(t, s.Reserve(e.Record.CommitmentHash, Reservation{Token: "c", Expires: now.Add(time.Hour)}, now))
		require.NoError(t, s.Commit(e, "c", now))

		require.NoError(t, s.Reset())
		st, err = s.Stats()
		require.NoError(t, err)
		require.Equal(t, Stats{}, st)
		_, ok, err := s.Entry(e.Record.CommitmentHash)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestFileStore_RejectsMalformedKeys(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	now := time.Unix(ts0, 0)
	require.Error(t, s.Reserve("../escape", Reservation{Token: "t", Expires: now.Add(time.Minute)}, now))
	_, ok, err := s.Entry("../../etc/passwd")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStore_Persists(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(ts0, 0)
	e := testEntry(t, "persisted")

	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Reserve(e.Record.CommitmentHash, Reservation{Token: "tok", Expires: now.Add(time.Minute)}, now))
	require.NoError(t, s.Commit(e, "tok", now))
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Entry(e.Record.CommitmentHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e.Record.Canonical(), got.Record.Canonical())
}

func TestFileStore_CommitKeepsRecordWhenReservationStays(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind root")
	}
	dir := t.TempDir()
	now := time.Unix(ts0, 0)
	e := testEntry(t, "stuck")
	c := e.Record.CommitmentHash
	res := Reservation{Token: "tok", Expires: now.Add(time.Minute)}

	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Reserve(c, res, now))

	resDir := filepath.Join(dir, reservationDir)
	require.NoError(t, os.Chmod(resDir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(resDir, 0o700) })

	require.NoError(t, s.Commit(e, "tok", now))
	_, ok, err := s.Entry(c)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, s.Reserve(c, res, now), ErrReservationConflict)
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	now := time.Unix(ts0, 0)
	e := testEntry(t, "persisted")

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Reserve(e.Record.CommitmentHash, Reservation{Token: "tok", Expires: now.Add(time.Minute)}, now))
	require.NoError(t, s.Commit(e, "tok", now))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	d, ok, err := reopened.Resolve(e.Record.DisclosureHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e.Record.CommitmentHash, d)
}

func TestEntryCodec(t *testing.T) {
	e := testEntry(t, "codec")
	e.Record.SchemaVersion = 1
	e.Record.CompatibilityLimit = 2
	e.Record.SeriesSignature = "sig"
	e.Record.PersonalHealthAddress = "pha"

	data, err := marshalEntry(e)
	require.NoError(t, err)
	back, err := unmarshalEntry(data)
	require.NoError(t, err)
	require.Equal(t, e.Record.Canonical(), back.Record.Canonical())
	require.Equal(t, e.Record.CommitmentHash, back.Record.CommitmentHash)
	require.Equal(t, e.Nonce, back.Nonce)

	_, err = unmarshalEntry([]byte{0xff, 0x00})
	require.Error(t, err)

	res := Reservation{Token: "tok", Expires: time.Unix(ts0, 5)}
	rdata, err := marshalReservation(res)
	require.NoError(t, err)
	rback, err := unmarshalReservation(rdata)
	require.NoError(t, err)
	require.Equal(t, res.Token, rback.Token)
	require.True(t, res.Expires.Equal(rback.Expires))
}

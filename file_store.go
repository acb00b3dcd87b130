package hddo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ipfs/go-cid"
)

// fileStore implements Store on a directory tree. Several processes may
// share a directory; every operation holds an flock on the lock file.
//
// Layout:
//
//	LOCK                         flock target
//	reservations/<commitment>    CBOR reservation
//	records/<commitment>         CID of the entry blob
//	blobs/<cid[:2]>/<cid>        CBOR entry (record, hashes and nonce)
//	disclosures/<disclosure>     commitment hash
//
// Blobs are content addressed by CIDv1 (raw, sha2-256) and verified on read.
type fileStore struct {
	dir  string
	lock *os.File
	mu   sync.RWMutex
}

const (
	lockFileName   = "LOCK"
	reservationDir = "reservations"
	recordDir      = "records"
	blobDir        = "blobs"
	disclosureDir  = "disclosures"
)

var errBlobMismatch = errors.New("blob does not match its content id")

// OpenFileStore creates or opens a file-based store in the given directory.
func OpenFileStore(dir string) (Store, error) {
	for _, sub := range []string{"", reservationDir, recordDir, blobDir, disclosureDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &fileStore{dir: dir, lock: lock}, nil
}

// withLock runs fn under the process mutex and an flock of the given kind.
func (s *fileStore) withLock(exclusive bool, fn func() error) error {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	if s.lock == nil {
		return errors.New("file store is closed")
	}
	if err := syscall.Flock(int(s.lock.Fd()), how); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN)
	return fn()
}

func (s *fileStore) path(table, key string) (string, error) {
	if !isDigest(key) {
		return "", fmt.Errorf("%w: malformed key %q", ErrInitialization, key)
	}
	return filepath.Join(s.dir, table, key), nil
}

func (s *fileStore) blobPath(id cid.Cid) string {
	v := id.String()
	return filepath.Join(s.dir, blobDir, v[:2], v)
}

// readFile returns nil data and no error when the file does not exist.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// writeFile replaces path atomically via a synced temp file and rename.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) readReservationLocked(commitment string) (Reservation, bool, error) {
	p, err := s.path(reservationDir, commitment)
	if err != nil {
		return Reservation{}, false, err
	}
	b, err := readFile(p)
	if err != nil || b == nil {
		return Reservation{}, false, err
	}
	res, err := unmarshalReservation(b)
	return res, err == nil, err
}

func (s *fileStore) hasRecordLocked(commitment string) (bool, error) {
	p, err := s.path(recordDir, commitment)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *fileStore) Reserve(commitment string, res Reservation, now time.Time) error {
	return s.withLock(true, func() error {
		stored, err := s.hasRecordLocked(commitment)
		if err != nil {
			return err
		}
		if stored {
			return ErrReservationConflict
		}
		cur, ok, err := s.readReservationLocked(commitment)
		if err != nil {
			return err
		}
		if ok && cur.live(now) {
			return ErrReservationConflict
		}
		b, err := marshalReservation(res)
		if err != nil {
			return err
		}
		p, _ := s.path(reservationDir, commitment)
		if err := writeFile(p, b); err != nil {
			return fmt.Errorf("write reservation: %w", err)
		}
		return nil
	})
}

func (s *fileStore) Commit(e Entry, token string, now time.Time) error {
	c, d := e.Record.CommitmentHash, e.Record.DisclosureHash
	recPath, err := s.path(recordDir, c)
	if err != nil {
		return err
	}
	discPath, err := s.path(disclosureDir, d)
	if err != nil {
		return err
	}
	blob, err := marshalEntry(e)
	if err != nil {
		return err
	}
	id, err := contentID(blob)
	if err != nil {
		return err
	}
	return s.withLock(true, func() error {
		res, ok, err := s.readReservationLocked(c)
		if err != nil {
			return err
		}
		if !ok || res.Token != token || !res.live(now) {
			return ErrInvalidReservation
		}
		if _, err := os.Stat(discPath); err == nil {
			return errDisclosureCollision
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		// Write order keeps a crash from exposing a half-committed record:
		// the blob and disclosure index first, then the record pointer, then
		// the reservation is released.
		if err := writeFile(s.blobPath(id), blob); err != nil {
			return fmt.Errorf("write entry blob: %w", err)
		}
		if err := writeFile(discPath, []byte(c)); err != nil {
			_ = removeFile(s.blobPath(id))
			return fmt.Errorf("write disclosure index: %w", err)
		}
		if err := writeFile(recPath, []byte(id.String())); err != nil {
			_ = removeFile(discPath)
			_ = removeFile(s.blobPath(id))
			return fmt.Errorf("write record pointer: %w", err)
		}
		// The record is committed at this point. A leftover reservation file
		// is dead because Reserve sees the record first, and Expire or Reset
		// clear it.
		resPath, _ := s.path(reservationDir, c)
		_ = removeFile(resPath)
		return nil
	})
}

func (s *fileStore) entryLocked(commitment string) (Entry, cid.Cid, bool, error) {
	p, err := s.path(recordDir, commitment)
	if err != nil {
		return Entry{}, cid.Undef, false, err
	}
	ref, err := readFile(p)
	if err != nil || ref == nil {
		return Entry{}, cid.Undef, false, err
	}
	id, err := cid.Decode(strings.TrimSpace(string(ref)))
	if err != nil {
		return Entry{}, cid.Undef, false, fmt.Errorf("decode record pointer: %w", err)
	}
	blob, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		return Entry{}, cid.Undef, false, fmt.Errorf("read entry blob: %w", err)
	}
	got, err := contentID(blob)
	if err != nil {
		return Entry{}, cid.Undef, false, err
	}
	if !got.Equals(id) {
		return Entry{}, cid.Undef, false, fmt.Errorf("%w: %s", errBlobMismatch, id)
	}
	e, err := unmarshalEntry(blob)
	if err != nil {
		return Entry{}, cid.Undef, false, err
	}
	return e, id, true, nil
}

func (s *fileStore) Entry(commitment string) (Entry, bool, error) {
	if !isDigest(commitment) {
		return Entry{}, false, nil
	}
	var (
		e  Entry
		ok bool
	)
	err := s.withLock(false, func() error {
		var err error
		e, _, ok, err = s.entryLocked(commitment)
		return err
	})
	return e, ok, err
}

func (s *fileStore) Resolve(disclosure string) (string, bool, error) {
	p, err := s.path(disclosureDir, disclosure)
	if err != nil {
		return "", false, nil
	}
	var c string
	err = s.withLock(false, func() error {
		b, err := readFile(p)
		c = string(b)
		return err
	})
	return c, c != "", err
}

func (s *fileStore) Purge(commitment string) error {
	if !isDigest(commitment) {
		return ErrNotFound
	}
	return s.withLock(true, func() error {
		e, id, ok, err := s.entryLocked(commitment)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		recPath, _ := s.path(recordDir, commitment)
		if err := removeFile(recPath); err != nil {
			return fmt.Errorf("remove record pointer: %w", err)
		}
		if discPath, err := s.path(disclosureDir, e.Record.DisclosureHash); err == nil {
			if err := removeFile(discPath); err != nil {
				return fmt.Errorf("remove disclosure index: %w", err)
			}
		}
		return removeFile(s.blobPath(id))
	})
}

func (s *fileStore) ExpireReservations(now time.Time) (int, error) {
	n := 0
	err := s.withLock(true, func() error {
		names, err := listDir(filepath.Join(s.dir, reservationDir))
		if err != nil {
			return err
		}
		for _, name := range names {
			res, ok, err := s.readReservationLocked(name)
			if err != nil || !ok || res.live(now) {
				continue
			}
			if err := removeFile(filepath.Join(s.dir, reservationDir, name)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// listDir returns the digest-named entries of dir, skipping temp files.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(dir), err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isDigest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Commitments relies on os.ReadDir returning names sorted.
func (s *fileStore) Commitments() ([]string, error) {
	var names []string
	err := s.withLock(false, func() error {
		var err error
		names, err = listDir(filepath.Join(s.dir, recordDir))
		return err
	})
	return names, err
}

func (s *fileStore) Stats() (Stats, error) {
	var st Stats
	err := s.withLock(false, func() error {
		for _, t := range []struct {
			dir string
			n   *int
		}{
			{reservationDir, &st.Reservations},
			{recordDir, &st.Records},
			{disclosureDir, &st.Disclosures},
		} {
			names, err := listDir(filepath.Join(s.dir, t.dir))
			if err != nil {
				return err
			}
			*t.n = len(names)
		}
		return nil
	})
	return st, err
}

func (s *fileStore) Reset() error {
	return s.withLock(true, func() error {
		for _, sub := range []string{reservationDir, recordDir, blobDir, disclosureDir} {
			p := filepath.Join(s.dir, sub)
			if err := os.RemoveAll(p); err != nil {
				return fmt.Errorf("clear %s: %w", sub, err)
			}
			if err := os.MkdirAll(p, 0700); err != nil {
				return fmt.Errorf("create %s: %w", sub, err)
			}
		}
		return nil
	})
}

// Close releases the lock file.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := s.lock.Close()
	s.lock = nil
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

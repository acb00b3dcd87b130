package hddo

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// storedEntry is the CBOR form of an Entry used by the durable stores. The
// data unit is kept in its JSON form so nested values keep their kinds.
type storedEntry struct {
	Data               []byte      `cbor:"1,keyasint"`
	SchemaVersion      int         `cbor:"2,keyasint"`
	CompatibilityLimit int         `cbor:"3,keyasint"`
	Script             []string    `cbor:"4,keyasint,omitempty"`
	SeriesSignature    string      `cbor:"5,keyasint,omitempty"`
	PHA                string      `cbor:"6,keyasint,omitempty"`
	Info               [][2]string `cbor:"7,keyasint,omitempty"`
	Message            string      `cbor:"8,keyasint,omitempty"`
	Commitment         string      `cbor:"9,keyasint"`
	Disclosure         string      `cbor:"10,keyasint"`
	Nonce              []byte      `cbor:"11,keyasint"`
}

type storedReservation struct {
	Token   string `cbor:"1,keyasint"`
	Expires int64  `cbor:"2,keyasint"` // unix nanoseconds
}

var (
	codecOnce sync.Once
	encMode   cbor.EncMode
	decMode   cbor.DecMode
	codecErr  error
)

func cborModes() (cbor.EncMode, cbor.DecMode, error) {
	codecOnce.Do(func() {
		encMode, codecErr = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
		if codecErr != nil {
			return
		}
		decMode, codecErr = cbor.DecOptions{
			ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		}.DecMode()
	})
	return encMode, decMode, codecErr
}

func encodeCBOR(v any) ([]byte, error) {
	em, _, err := cborModes()
	if err != nil {
		return nil, err
	}
	return em.Marshal(v)
}

func decodeCBOR(data []byte, v any) error {
	_, dm, err := cborModes()
	if err != nil {
		return err
	}
	return dm.Unmarshal(data, v)
}

func marshalEntry(e Entry) ([]byte, error) {
	r := e.Record
	if r.Data == nil {
		return nil, initErrorf("entry has no data unit")
	}
	data, err := r.Data.MarshalJSON()
	if err != nil {
		return nil, err
	}
	se := storedEntry{
		Data:               data,
		SchemaVersion:      r.SchemaVersion,
		CompatibilityLimit: r.CompatibilityLimit,
		Script:             r.Script,
		SeriesSignature:    r.SeriesSignature,
		PHA:                r.PersonalHealthAddress,
		Message:            r.Message,
		Commitment:         r.CommitmentHash,
		Disclosure:         r.DisclosureHash,
		Nonce:              e.Nonce,
	}
	for _, kv := range r.IdentityInfo {
		se.Info = append(se.Info, [2]string{kv.Key, kv.Value})
	}
	return encodeCBOR(se)
}

func unmarshalEntry(b []byte) (Entry, error) {
	var se storedEntry
	if err := decodeCBOR(b, &se); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	unit, err := ParseDataUnit(se.Data, withoutClockCheck())
	if err != nil {
		return Entry{}, fmt.Errorf("decode entry data: %w", err)
	}
	r := SendableRecord{
		Data:                  unit,
		SchemaVersion:         se.SchemaVersion,
		CompatibilityLimit:    se.CompatibilityLimit,
		SeriesSignature:       se.SeriesSignature,
		PersonalHealthAddress: se.PHA,
		Message:               se.Message,
		CommitmentHash:        se.Commitment,
		DisclosureHash:        se.Disclosure,
	}
	if len(se.Script) > 0 {
		r.Script = Script(se.Script)
	}
	for _, kv := range se.Info {
		r.IdentityInfo = append(r.IdentityInfo, InfoEntry{Key: kv[0], Value: kv[1]})
	}
	return Entry{Record: r, Nonce: se.Nonce}, nil
}

func marshalReservation(r Reservation) ([]byte, error) {
	return encodeCBOR(storedReservation{Token: r.Token, Expires: r.Expires.UnixNano()})
}

func unmarshalReservation(b []byte) (Reservation, error) {
	var sr storedReservation
	if err := decodeCBOR(b, &sr); err != nil {
		return Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	return Reservation{Token: sr.Token, Expires: time.Unix(0, sr.Expires)}, nil
}

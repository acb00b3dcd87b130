package hddo

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of a Record.
type State int

const (
	// StateOpen is the initial state; annotations may be changed.
	StateOpen State = iota
	// StateClosed freezes the annotations; the record may be transmitted.
	StateClosed
	// StateTransmitted means a ledger accepted the record.
	StateTransmitted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateTransmitted:
		return "transmitted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SchemaVersion0 is the current record schema version.
const SchemaVersion0 = 0

// DefaultMaxReserveAttempts bounds the salt regeneration loop of Transmit.
const DefaultMaxReserveAttempts = 8

// Record owns one DataUnit plus optional annotations and walks the
// Open → Closed → Transmitted lifecycle. A Record is not safe for concurrent
// use; once transmitted it is read-only.
type Record struct {
	content            SendableRecord
	state              State
	salt               string
	maxReserveAttempts int
}

// RecordOption customises NewRecord.
type RecordOption func(*Record)

// WithSchemaVersion sets the record schema version.
func WithSchemaVersion(v int) RecordOption {
	return func(r *Record) { r.content.SchemaVersion = v }
}

// WithCompatibilityLimit sets the compatibility limit.
func WithCompatibilityLimit(v int) RecordOption {
	return func(r *Record) { r.content.CompatibilityLimit = v }
}

// WithMaxReserveAttempts bounds the number of salts Transmit tries before it
// gives up with ErrReservationExhausted. Values below 1 are ignored.
func WithMaxReserveAttempts(n int) RecordOption {
	return func(r *Record) {
		if n >= 1 {
			r.maxReserveAttempts = n
		}
	}
}

// NewRecord wraps data in an open Record. The record takes exclusive
// ownership of data.
func NewRecord(data *DataUnit, opts ...RecordOption) (*Record, error) {
	if data == nil {
		return nil, initErrorf("record requires a data unit")
	}
	r := &Record{
		content:            SendableRecord{Data: data, SchemaVersion: SchemaVersion0},
		maxReserveAttempts: DefaultMaxReserveAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// State returns the lifecycle state.
func (r *Record) State() State { return r.state }

// Data returns the owned DataUnit.
func (r *Record) Data() *DataUnit { return r.content.Data }

// SchemaVersion returns the record schema version.
func (r *Record) SchemaVersion() int { return r.content.SchemaVersion }

// CompatibilityLimit returns the compatibility limit.
func (r *Record) CompatibilityLimit() int { return r.content.CompatibilityLimit }

// Script returns a copy of the capability script.
func (r *Record) Script() Script { return r.content.Script.Clone() }

// SeriesSignature returns the series signature.
func (r *Record) SeriesSignature() string { return r.content.SeriesSignature }

// PersonalHealthAddress returns the personal health address.
func (r *Record) PersonalHealthAddress() string { return r.content.PersonalHealthAddress }

// Message returns the message.
func (r *Record) Message() string { return r.content.Message }

// IdentityInfo returns a copy of the identity-information entries in
// insertion order.
func (r *Record) IdentityInfo() []InfoEntry {
	return append([]InfoEntry(nil), r.content.IdentityInfo...)
}

// Info returns the value stored under key.
func (r *Record) Info(key string) (string, bool) {
	i := r.infoIndex(key)
	if i < 0 {
		return "", false
	}
	return r.content.IdentityInfo[i].Value, true
}

// CommitmentHash is empty until the record is transmitted.
func (r *Record) CommitmentHash() string { return r.content.CommitmentHash }

// DisclosureHash is empty until a ledger accepts the record.
func (r *Record) DisclosureHash() string { return r.content.DisclosureHash }

// Salt returns the secret commitment salt, empty until transmission. Whoever
// holds it can delete the record from the ledger.
func (r *Record) Salt() string { return r.salt }

// Canonical returns the salted canonical content, the commitment pre-image.
func (r *Record) Canonical() string {
	return canonicalString(r.salt, &r.content)
}

// Sendable returns the salt-free form of the record.
func (r *Record) Sendable() SendableRecord {
	return r.content.Clone()
}

func (r *Record) requireOpen(what string) error {
	if r.state != StateOpen {
		return permissionErrorf("cannot change %s of a %s record", what, r.state)
	}
	return nil
}

// AddScript attaches a capability script. It fails if the record is not
// open, a script is already attached, or the script is malformed.
func (r *Record) AddScript(s Script) error {
	if err := r.requireOpen("script"); err != nil {
		return err
	}
	if len(r.content.Script) > 0 {
		return permissionErrorf("script already added")
	}
	if err := s.Validate(); err != nil {
		return err
	}
	r.content.Script = s.Clone()
	return nil
}

// RemoveScript detaches the capability script.
func (r *Record) RemoveScript() error {
	if err := r.requireOpen("script"); err != nil {
		return err
	}
	if len(r.content.Script) == 0 {
		return permissionErrorf("no script to remove")
	}
	r.content.Script = nil
	return nil
}

// AddSeriesSignature sets the series signature once.
func (r *Record) AddSeriesSignature(sig string) error {
	return r.setOnce("series signature", &r.content.SeriesSignature, sig)
}

// RemoveSeriesSignature clears the series signature.
func (r *Record) RemoveSeriesSignature() error {
	return r.clear("series signature", &r.content.SeriesSignature)
}

// AddPersonalHealthAddress sets the personal health address obtained from
// the identity provider.
func (r *Record) AddPersonalHealthAddress(ctx context.Context, idp IdentityProvider) error {
	if err := r.requireOpen("personal health address"); err != nil {
		return err
	}
	if r.content.PersonalHealthAddress != "" {
		return permissionErrorf("personal health address already added")
	}
	pha, err := idp.PersonalHealthAddress(ctx)
	if err != nil {
		return fmt.Errorf("obtain personal health address: %w", err)
	}
	return r.setOnce("personal health address", &r.content.PersonalHealthAddress, pha)
}

// RemovePersonalHealthAddress clears the personal health address.
func (r *Record) RemovePersonalHealthAddress() error {
	return r.clear("personal health address", &r.content.PersonalHealthAddress)
}

// AddMessage sets the message once.
func (r *Record) AddMessage(msg string) error {
	return r.setOnce("message", &r.content.Message, msg)
}

// ReplaceMessage replaces an existing message.
func (r *Record) ReplaceMessage(msg string) error {
	if err := r.requireOpen("message"); err != nil {
		return err
	}
	if r.content.Message == "" {
		return permissionErrorf("no message to replace")
	}
	if msg == "" {
		return permissionErrorf("message cannot be replaced by an empty one")
	}
	if err := checkText("message", msg); err != nil {
		return err
	}
	r.content.Message = msg
	return nil
}

// RemoveMessage clears the message.
func (r *Record) RemoveMessage() error {
	return r.clear("message", &r.content.Message)
}

// AddInfo adds a new identity-information entry.
func (r *Record) AddInfo(key, value string) error {
	if err := r.requireOpen("identity info"); err != nil {
		return err
	}
	if err := checkInfo(key, value); err != nil {
		return err
	}
	if r.infoIndex(key) >= 0 {
		return permissionErrorf("identity info %q already exists", key)
	}
	r.content.IdentityInfo = append(r.content.IdentityInfo, InfoEntry{Key: key, Value: value})
	return nil
}

// UpdateInfo changes the value of an existing entry, keeping its position.
func (r *Record) UpdateInfo(key, value string) error {
	if err := r.requireOpen("identity info"); err != nil {
		return err
	}
	i := r.infoIndex(key)
	if i < 0 {
		return permissionErrorf("identity info %q does not exist", key)
	}
	if err := checkInfo(key, value); err != nil {
		return err
	}
	r.content.IdentityInfo[i].Value = value
	return nil
}

// RemoveInfo deletes an existing entry.
func (r *Record) RemoveInfo(key string) error {
	if err := r.requireOpen("identity info"); err != nil {
		return err
	}
	i := r.infoIndex(key)
	if i < 0 {
		return permissionErrorf("identity info %q does not exist", key)
	}
	r.content.IdentityInfo = append(r.content.IdentityInfo[:i], r.content.IdentityInfo[i+1:]...)
	if len(r.content.IdentityInfo) == 0 {
		r.content.IdentityInfo = nil
	}
	return nil
}

func (r *Record) infoIndex(key string) int {
	for i, e := range r.content.IdentityInfo {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (r *Record) setOnce(what string, field *string, v string) error {
	if err := r.requireOpen(what); err != nil {
		return err
	}
	if *field != "" {
		return permissionErrorf("%s already added", what)
	}
	if v == "" {
		return permissionErrorf("%s cannot be empty", what)
	}
	if err := checkText(what, v); err != nil {
		return err
	}
	*field = v
	return nil
}

func (r *Record) clear(what string, field *string) error {
	if err := r.requireOpen(what); err != nil {
		return err
	}
	if *field == "" {
		return permissionErrorf("no %s to remove", what)
	}
	*field = ""
	return nil
}

// Close freezes the annotations. It fails unless the record is open.
func (r *Record) Close() error {
	if r.state != StateOpen {
		return permissionErrorf("cannot close a %s record", r.state)
	}
	r.state = StateClosed
	return nil
}

// Transmit commits a closed record to the ledger behind t. It draws a fresh
// salt, reserves the salted commitment hash (drawing a new salt on conflict,
// at most maxReserveAttempts times) and hands the sendable form over with the
// reservation token. The record becomes Transmitted only when the ledger
// returns a disclosure hash; on any failure it stays Closed with no salt or
// hashes, and Transmit may be called again.
func (r *Record) Transmit(ctx context.Context, t Transport) error {
	switch r.state {
	case StateOpen:
		return permissionErrorf("cannot transmit an open record")
	case StateTransmitted:
		return permissionErrorf("record already transmitted")
	}

	var (
		salt, commitment, token string
		lastErr                 error
	)
	for attempt := 0; attempt < r.maxReserveAttempts && token == ""; attempt++ {
		s, err := randomText(SaltSize)
		if err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		c := Digest([]byte(canonicalString(s, &r.content)))
		tok, err := t.Reserve(ctx, c)
		switch {
		case err == nil && tok == "":
			return fmt.Errorf("reserve commitment: %w: empty token", ErrInvalidReservation)
		case err == nil:
			salt, commitment, token = s, c, tok
		case errors.Is(err, ErrReservationConflict):
			lastErr = err
		default:
			return fmt.Errorf("reserve commitment: %w", err)
		}
	}
	if token == "" {
		return fmt.Errorf("%w after %d attempts: %w", ErrReservationExhausted, r.maxReserveAttempts, lastErr)
	}

	sendable := r.content.Clone()
	sendable.CommitmentHash = commitment
	sendable.DisclosureHash = ""
	disclosure, err := t.Accept(ctx, sendable, token)
	if err != nil {
		return fmt.Errorf("accept record: %w", err)
	}
	if disclosure == "" {
		return fmt.Errorf("accept record: %w: empty disclosure hash", ErrInvalidReservation)
	}

	r.salt = salt
	r.content.CommitmentHash = commitment
	r.content.DisclosureHash = disclosure
	r.state = StateTransmitted
	return nil
}

// Delete asks the ledger behind t to purge this record, proving authorship
// by disclosing the salt.
func (r *Record) Delete(ctx context.Context, t Transport) error {
	if r.state != StateTransmitted {
		return permissionErrorf("cannot delete a %s record", r.state)
	}
	return t.Delete(ctx, r.Sendable(), r.salt)
}

// String renders a human-readable summary. The salt is never included.
func (r *Record) String() string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			value = "NOT-ADDED"
		}
		fmt.Fprintf(&b, "%22s: %s\n", name, value)
	}
	fmt.Fprintf(&b, "Record:\nBODY:\n=====\n%s\n=====\nHEAD:\n=====\n", r.content.Data)
	fmt.Fprintf(&b, "%22s: %d\n%22s: %d\n", "schemaVersion", r.content.SchemaVersion,
		"compatibilityLimit", r.content.CompatibilityLimit)
	field("script", r.content.Script.String())
	field("seriesSignature", r.content.SeriesSignature)
	field("personalHealthAddress", r.content.PersonalHealthAddress)
	if len(r.content.IdentityInfo) == 0 {
		field("identityInfo", "")
	}
	for _, e := range r.content.IdentityInfo {
		field("identityInfo", e.Key+" -> "+e.Value)
	}
	field("message", r.content.Message)
	fmt.Fprintf(&b, "======\nSTATE:\n======\n %s\n", r.state)
	if r.state == StateTransmitted {
		fmt.Fprintf(&b, " commitmentHash: %s\n disclosureHash: %s\n", r.content.CommitmentHash, r.content.DisclosureHash)
	}
	return b.String()
}

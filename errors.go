package hddo

import (
	"errors"
	"fmt"
)

// ErrInitialization is returned when a DataUnit, Record or serialized form is
// malformed. Construction never partially applies.
var ErrInitialization = errors.New("initialization failed")

// ErrPermission is returned when a mutation is attempted on a record that is
// not open, when a set-once field is set twice, or on a lifecycle violation.
var ErrPermission = errors.New("permission denied")

// ErrReservationConflict is returned when a commitment hash is already
// reserved or stored.
var ErrReservationConflict = errors.New("reservation conflict")

// ErrReservationExhausted is returned when transmission gave up after the
// configured number of reservation attempts. It always wraps the last
// ErrReservationConflict as well.
var ErrReservationExhausted = errors.New("reservation attempts exhausted")

// ErrInvalidReservation is returned when a reservation token is unknown,
// expired or already consumed.
var ErrInvalidReservation = errors.New("invalid reservation")

// ErrProofMismatch is returned when a deletion request does not prove
// knowledge of the commitment salt or its content differs from the stored one.
var ErrProofMismatch = errors.New("proof mismatch")

// ErrNotFound is returned for unknown commitment or disclosure hashes.
var ErrNotFound = errors.New("not found")

// ErrScriptValidation is returned for malformed capability scripts.
var ErrScriptValidation = errors.New("invalid capability script")

// ErrorCode is the stable, machine-readable name of an error kind used on the
// wire by the HTTP and gRPC transports.
type ErrorCode string

// Error codes shared by servers and transports.
const (
	CodeInitialization      ErrorCode = "INITIALIZATION"
	CodePermission          ErrorCode = "PERMISSION"
	CodeReservationConflict ErrorCode = "RESERVATION_CONFLICT"
	CodeInvalidReservation  ErrorCode = "INVALID_RESERVATION"
	CodeProofMismatch       ErrorCode = "PROOF_MISMATCH"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeScriptValidation    ErrorCode = "SCRIPT_VALIDATION"
	CodeInternal            ErrorCode = "INTERNAL"
)

// codeOrder lists codes in match priority: more specific kinds first.
var codeOrder = []struct {
	code ErrorCode
	err  error
}{
	{CodeScriptValidation, ErrScriptValidation},
	{CodeInvalidReservation, ErrInvalidReservation},
	{CodeReservationConflict, ErrReservationConflict},
	{CodeProofMismatch, ErrProofMismatch},
	{CodeNotFound, ErrNotFound},
	{CodePermission, ErrPermission},
	{CodeInitialization, ErrInitialization},
}

// CodeOf returns the ErrorCode for err, or CodeInternal when err does not
// wrap any of the package sentinels.
func CodeOf(err error) ErrorCode {
	for _, c := range codeOrder {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// remoteError carries an error reported by a remote ledger. Its message is
// the server's, and it unwraps to the matching sentinel.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.kind }

// errorFromCode rebuilds a typed error from a wire code and message.
func errorFromCode(code ErrorCode, msg string) error {
	for _, c := range codeOrder {
		if c.code == code {
			if msg == "" {
				msg = c.err.Error()
			}
			return &remoteError{kind: c.err, msg: msg}
		}
	}
	if msg == "" {
		msg = "remote ledger error"
	}
	return fmt.Errorf("%s: %s", code, msg)
}

func initErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInitialization, fmt.Sprintf(format, args...))
}

func permissionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermission, fmt.Sprintf(format, args...))
}

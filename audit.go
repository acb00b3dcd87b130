package hddo

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
)

// Audit failures.
var (
	// ErrIndexMismatch means the disclosure index does not point back at the
	// record that owns the disclosure hash.
	ErrIndexMismatch = errors.New("disclosure index mismatch")
	// ErrDisclosureMismatch means a stored disclosure hash is not the digest
	// of the record's canonical content and nonce.
	ErrDisclosureMismatch = errors.New("disclosure hash mismatch: tampering or corruption")
)

// AuditProblem describes one inconsistent record.
type AuditProblem struct {
	Commitment string `json:"commitment"`
	Reason     string `json:"reason"`
	err        error
}

// Unwrap returns the failure kind.
func (p AuditProblem) Unwrap() error { return p.err }

func (p AuditProblem) Error() string {
	return fmt.Sprintf("record %s: %s", p.Commitment, p.Reason)
}

// AuditReport is the outcome of Ledger.Audit.
type AuditReport struct {
	Records  int            `json:"records"`
	Problems []AuditProblem `json:"problems,omitempty"`
}

// OK reports whether the audit found no problems.
func (r AuditReport) OK() bool { return len(r.Problems) == 0 }

// Audit walks every stored record and checks that the stored disclosure hash
// is reproduced from the canonical content and the nonce, and that the
// disclosure index resolves back to the record. It also checks that the
// index holds no dangling entries. The ledger stays locked for the whole
// walk.
func (l *Ledger) Audit(ctx context.Context) (AuditReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report AuditReport
	commitments, err := l.store.Commitments()
	if err != nil {
		return report, fmt.Errorf("list records: %w", err)
	}
	for _, c := range commitments {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Records++
		if err := l.auditRecord(c); err != nil {
			var p AuditProblem
			if !errors.As(err, &p) {
				return report, err
			}
			report.Problems = append(report.Problems, p)
		}
	}

	st, err := l.store.Stats()
	if err != nil {
		return report, err
	}
	if st.Disclosures != report.Records {
		report.Problems = append(report.Problems, AuditProblem{
			Reason: fmt.Sprintf("%d disclosure index entries for %d records", st.Disclosures, report.Records),
			err:    ErrIndexMismatch,
		})
	}
	if !report.OK() {
		l.log.Warn("ledger audit found problems", "records", report.Records, "problems", len(report.Problems))
	}
	return report, nil
}

// auditRecord returns an AuditProblem for a content inconsistency, or any
// other error for a store failure.
func (l *Ledger) auditRecord(c string) error {
	problem := func(kind error, format string, args ...any) error {
		return AuditProblem{Commitment: c, Reason: fmt.Sprintf(format, args...), err: kind}
	}

	e, ok, err := l.store.Entry(c)
	if err != nil {
		return fmt.Errorf("load record %s: %w", c, err)
	}
	if !ok {
		return problem(ErrNotFound, "listed but not loadable")
	}
	rec := e.Record
	if rec.CommitmentHash != c {
		return problem(ErrIndexMismatch, "stored under %s but carries commitment %s", c, rec.CommitmentHash)
	}
	if err := rec.validate(); err != nil {
		return problem(err, "invalid content: %v", err)
	}
	want := Digest(append([]byte(rec.Canonical()), e.Nonce...))
	if !hmac.Equal([]byte(want), []byte(rec.DisclosureHash)) {
		return problem(ErrDisclosureMismatch, "disclosure hash does not match content and nonce")
	}
	owner, ok, err := l.store.Resolve(rec.DisclosureHash)
	if err != nil {
		return fmt.Errorf("resolve disclosure %s: %w", rec.DisclosureHash, err)
	}
	if !ok || owner != c {
		return problem(ErrIndexMismatch, "disclosure %s resolves to %q", rec.DisclosureHash, owner)
	}
	return nil
}

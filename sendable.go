package hddo

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// InfoEntry is one identity-information pair. Entries keep insertion order,
// which is part of the canonical content.
type InfoEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SendableRecord is the salt-free form of a Record. It is the only form that
// is ever sent to a ledger or shared with third parties.
type SendableRecord struct {
	Data                  *DataUnit   `json:"data"`
	SchemaVersion         int         `json:"schema_version"`
	CompatibilityLimit    int         `json:"compatibility_limit"`
	Script                Script      `json:"script,omitempty"`
	SeriesSignature       string      `json:"series_signature,omitempty"`
	PersonalHealthAddress string      `json:"personal_health_address,omitempty"`
	IdentityInfo          []InfoEntry `json:"identity_info,omitempty"`
	Message               string      `json:"message,omitempty"`
	CommitmentHash        string      `json:"commitment_hash,omitempty"`
	DisclosureHash        string      `json:"disclosure_hash,omitempty"`
}

// Canonical returns the salt-free canonical content of the record.
func (s SendableRecord) Canonical() string {
	return canonicalString("", &s)
}

// canonicalString concatenates, in order: salt, data dump, schema version,
// compatibility limit, script tokens, series signature, personal health
// address, identity-info key/value pairs and message. Absent fields
// contribute nothing. The hashes are never part of it.
func canonicalString(salt string, s *SendableRecord) string {
	var b strings.Builder
	b.WriteString(salt)
	if s.Data != nil {
		b.WriteString(s.Data.String())
	}
	b.WriteString(strconv.Itoa(s.SchemaVersion))
	b.WriteString(strconv.Itoa(s.CompatibilityLimit))
	if len(s.Script) > 0 {
		b.WriteString(s.Script.String())
	}
	b.WriteString(s.SeriesSignature)
	b.WriteString(s.PersonalHealthAddress)
	for _, e := range s.IdentityInfo {
		b.WriteString(e.Key)
		b.WriteString(e.Value)
	}
	b.WriteString(s.Message)
	return b.String()
}

// Clone returns a deep copy. The DataUnit is shared since it is immutable.
func (s SendableRecord) Clone() SendableRecord {
	out := s
	out.Script = s.Script.Clone()
	if s.IdentityInfo != nil {
		out.IdentityInfo = append([]InfoEntry(nil), s.IdentityInfo...)
	}
	return out
}

// validate checks what a ledger requires of an incoming record.
func (s *SendableRecord) validate() error {
	if s.Data == nil {
		return initErrorf("record carries no data unit")
	}
	if len(s.Script) > 0 {
		if err := s.Script.Validate(); err != nil {
			return err
		}
	}
	if err := checkText("series signature", s.SeriesSignature); err != nil {
		return err
	}
	if err := checkText("personal health address", s.PersonalHealthAddress); err != nil {
		return err
	}
	if err := checkText("message", s.Message); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.IdentityInfo))
	for _, e := range s.IdentityInfo {
		if err := checkInfo(e.Key, e.Value); err != nil {
			return err
		}
		if _, dup := seen[e.Key]; dup {
			return initErrorf("duplicate identity info key %q", e.Key)
		}
		seen[e.Key] = struct{}{}
	}
	return nil
}

// checkText rejects strings that are not valid UTF-8. Such bytes do not
// survive the JSON and CBOR encodings, so a stored record would no longer
// reproduce the owner's commitment hash.
func checkText(what, v string) error {
	if !utf8.ValidString(v) {
		return initErrorf("%s is not valid UTF-8", what)
	}
	return nil
}

func checkInfo(key, value string) error {
	if err := checkText("identity info key", key); err != nil {
		return err
	}
	return checkText(fmt.Sprintf("identity info %q", key), value)
}

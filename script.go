package hddo

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Capability script tokens besides integer literals.
const (
	// OpAdd sets r0 = r0 + r1 and resets the write cursor.
	OpAdd = "HD_ADD"
	// SigKeyPlaceholder is replaced by the challenger's signature-key value
	// at evaluation time.
	SigKeyPlaceholder = "<SigKey>"
)

// Script is a capability script: a sequence of instruction tokens followed by
// the expected integer result. It encodes a secret-derived predicate that can
// be shared openly; only someone holding the matching signature-key value can
// make it evaluate to true.
type Script []string

// ParseScript splits s on whitespace.
func ParseScript(s string) Script {
	return Script(strings.Fields(s))
}

// String joins the tokens with single spaces, as in the canonical content.
func (s Script) String() string {
	return strings.Join(s, " ")
}

// Clone returns a copy that shares no memory with s.
func (s Script) Clone() Script {
	if s == nil {
		return nil
	}
	return append(Script(nil), s...)
}

// Validate checks that the script has at least one instruction, that every
// instruction is an integer literal, OpAdd or SigKeyPlaceholder, and that the
// final token is an integer literal.
func (s Script) Validate() error {
	if len(s) < 2 {
		return fmt.Errorf("%w: need at least one instruction and a result, got %d tokens", ErrScriptValidation, len(s))
	}
	for i, tok := range s[:len(s)-1] {
		if tok == OpAdd || tok == SigKeyPlaceholder {
			continue
		}
		if _, ok := parseLiteral(tok); !ok {
			return fmt.Errorf("%w: unrecognized token %q at position %d", ErrScriptValidation, tok, i)
		}
	}
	if _, ok := parseLiteral(s[len(s)-1]); !ok {
		return fmt.Errorf("%w: result token %q is not an integer", ErrScriptValidation, s[len(s)-1])
	}
	return nil
}

// Evaluate runs the script on the two-register machine with the given
// signature-key value and reports whether the register under the final cursor
// equals the expected result.
func (s Script) Evaluate(sigKey int64) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	// Registers are unbounded so that sums never wrap.
	reg := [2]*big.Int{new(big.Int), new(big.Int)}
	cursor := 0
	store := func(v int64) {
		reg[cursor].SetInt64(v)
		cursor++
		if cursor > 1 {
			cursor = 0
		}
	}
	for _, tok := range s[:len(s)-1] {
		switch tok {
		case OpAdd:
			reg[0].Add(reg[0], reg[1])
			cursor = 0
		case SigKeyPlaceholder:
			store(sigKey)
		default:
			v, _ := parseLiteral(tok)
			store(v)
		}
	}
	want, _ := parseLiteral(s[len(s)-1])
	return reg[cursor].IsInt64() && reg[cursor].Int64() == want, nil
}

func parseLiteral(tok string) (int64, bool) {
	v, err := strconv.ParseInt(tok, 10, 64)
	return v, err == nil
}

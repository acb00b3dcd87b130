package hddo

import (
	"errors"
	"testing"
)

func TestScript_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		script Script
		sigKey int64
		want   bool
	}{
		{"add matches", Script{"3", SigKeyPlaceholder, OpAdd, "10"}, 7, true},
		{"add mismatch", Script{"3", SigKeyPlaceholder, OpAdd, "10"}, 6, false},
		{"single literal", Script{"5", "5"}, 0, false}, // cursor now on r1, still 0
		{"two literals", Script{"5", "0", "5"}, 0, true},
		{"cursor wraps", Script{"1", "2", "3", "4"}, 0, false},
		{"negative literal", Script{"-4", SigKeyPlaceholder, OpAdd, "0"}, 4, true},
		{"chained adds", Script{"1", "2", OpAdd, "0", "3", OpAdd, "6"}, 0, false},
		{"add after overwrite", Script{"1", "2", OpAdd, SigKeyPlaceholder, OpAdd, "5"}, 3, true},
		{"sum beyond int64 does not wrap", Script{"9223372036854775807", "1", OpAdd, "-9223372036854775808"}, 0, false},
		{"sum below int64 does not wrap", Script{"-9223372036854775808", SigKeyPlaceholder, OpAdd, "9223372036854775807"}, -1, false},
		{"large sum overwritten", Script{"9223372036854775807", "1", OpAdd, "5", "1"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.script.Evaluate(tt.sigKey)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%d) = %v, want %v", tt.sigKey, got, tt.want)
			}
		})
	}
}

func TestScript_Validate(t *testing.T) {
	invalid := []Script{
		nil,
		{"10"},
		{"3", "FOO", "10"},
		{"3", SigKeyPlaceholder, OpAdd, SigKeyPlaceholder},
		{"3", OpAdd, "ten"},
		{"3.5", "4"},
	}
	for _, s := range invalid {
		if err := s.Validate(); !errors.Is(err, ErrScriptValidation) {
			t.Errorf("Validate(%q) = %v, want ErrScriptValidation", s, err)
		}
		if _, err := s.Evaluate(0); !errors.Is(err, ErrScriptValidation) {
			t.Errorf("Evaluate(%q) = %v, want ErrScriptValidation", s, err)
		}
	}
	if err := (Script{"3", SigKeyPlaceholder, OpAdd, "10"}).Validate(); err != nil {
		t.Errorf("Valid script rejected: %v", err)
	}
}

func TestParseScript(t *testing.T) {
	s := ParseScript("  3 <SigKey>\tHD_ADD 10 ")
	want := Script{"3", SigKeyPlaceholder, OpAdd, "10"}
	if s.String() != want.String() || len(s) != len(want) {
		t.Errorf("ParseScript = %q, want %q", s, want)
	}
	c := s.Clone()
	c[0] = "4"
	if s[0] != "3" {
		t.Error("Clone shares memory")
	}
}

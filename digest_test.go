package hddo

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestDigest_MatchesSHA256(t *testing.T) {
	for _, in := range []string{"", "a", "température ✓"} {
		sum := sha256.Sum256([]byte(in))
		want := hex.EncodeToString(sum[:])
		if got := Digest([]byte(in)); got != want {
			t.Errorf("Digest(%q) = %s, want %s", in, got, want)
		}
		if !isDigest(want) {
			t.Errorf("isDigest(%s) = false", want)
		}
	}
}

package hddo

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Sizes in bytes of the random material used by the protocol.
const (
	SaltSize  = 64 // commitment salt, before text encoding
	NonceSize = 64 // ledger disclosure nonce
	TokenSize = 64 // reservation token, before text encoding
)

// Digest returns the lowercase hex SHA2-256 digest of data. Commitment and
// disclosure hashes are both produced by Digest.
// It goes through go-multihash, the same hashing path contentID uses for
// store blobs, and yields exactly the sha256.Sum256 bytes.
func Digest(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only fails for unknown codes or bad lengths.
		panic(fmt.Sprintf("hddo: sha2-256 multihash: %v", err))
	}
	dec, err := multihash.Decode(mh)
	if err != nil {
		panic(fmt.Sprintf("hddo: decode multihash: %v", err))
	}
	return hex.EncodeToString(dec.Digest)
}

// contentID returns the CIDv1 (raw codec, sha2-256) of data. The file store
// keys its payload blobs by it.
func contentID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// randomText returns n random bytes encoded as standard base64.
func randomText(n int) (string, error) {
	b, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// isDigest reports whether s has the shape of a Digest result.
func isDigest(s string) bool {
	if len(s) != 2*sha256Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

const sha256Size = 32

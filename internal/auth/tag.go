package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Tag is the handshake digest binding a nonce to the shared secret.
type Tag [sha256.Size]byte

// MakeTag computes sha256(decimal(nonce) || secret).
func MakeTag(nonce int64, secret string) Tag {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(nonce, 10)))
	h.Write([]byte(secret))
	var t Tag
	copy(t[:], h.Sum(nil))
	return t
}

// ParseTag decodes the lowercase hex form used on the wire.
func ParseTag(s string) (Tag, error) {
	if len(s) != sha256.Size*2 {
		return Tag{}, fmt.Errorf(
			"invalid tag length: expected %d, got %d",
			sha256.Size*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Tag{}, fmt.Errorf("decode tag: %w", err)
	}
	var t Tag
	copy(t[:], decoded)
	return t, nil
}

// Equal compares two tags in constant time.
func (t Tag) Equal(other Tag) bool {
	return subtle.ConstantTimeCompare(t[:], other[:]) == 1
}

// String returns the hex encoding of the tag.
func (t Tag) String() string {
	return hex.EncodeToString(t[:])
}

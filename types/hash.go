package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hash is an opaque content digest. Equality is byte-exact.
type Hash []byte

// HashBytes digests data with sha256.
func HashBytes(data []byte) Hash {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (h Hash) Equal(o Hash) bool {
	return bytes.Equal(h, o)
}

func (h Hash) IsEmpty() bool {
	return len(h) == 0
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h)
}

func (h Hash) String() string {
	if len(h) > 8 {
		return hex.EncodeToString(h[:8])
	}
	return h.Hex()
}

package data

import (
	"crypto/sha512"
	"encoding/hex"
)

// Digest is a SHA512 hashsum of a request payload
type Digest [64]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:8])
}

func (d Digest) ToSlice() []byte {
	return d[:]
}

// HashOf returns the digest of a raw payload.
func HashOf(payload []byte) Digest {
	return Digest(sha512.Sum512(payload))
}

package fencelock

import (
	"encoding/hex"
	"hash/fnv"

	"golang.org/x/text/unicode/norm"
)

// HashKey computes a deterministic, non-cryptographic 96-bit digest over the
// canonical (NFC) form of value, rendered as 24 lowercase hex characters. Used
// for telemetry identifiers and sanitized lookup output, never for security.
//
// Combines three 32-bit lanes (FNV-1a, FNV-1, and a rolling hash with its own
// seed) into a 96-bit digest, trading a single hash's 32 bits of spread for
// three, which is what telemetry identifiers need to stay collision-resistant
// at the population sizes a lock fleet's logs accumulate.
func HashKey(value string) string {
	b := []byte(norm.NFC.String(value))

	h1 := fnv.New32a()
	h1.Write(b)

	h2 := fnv.New32()
	h2.Write(b)

	h3 := rollingHash(b, 0x9e3779b9)

	out := make([]byte, 12)
	putUint32(out[0:4], h1.Sum32())
	putUint32(out[4:8], h2.Sum32())
	putUint32(out[8:12], h3)

	return hex.EncodeToString(out)
}

// rollingHash is a third, independently-seeded 32-bit mixing function so
// HashKey's three lanes don't degrade to correlated FNV variants.
func rollingHash(b []byte, seed uint32) uint32 {
	h := seed
	for _, c := range b {
		h = h*31 + uint32(c)
		h ^= h >> 15
	}
	return h
}

func putUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

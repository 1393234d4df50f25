package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex returns the SHA-256 digest of the input encoded as lowercase hex.
func Sha256Hex(input string) string {
	return Sha256HexBytes([]byte(input))
}

// Sha256HexBytes digests raw bytes without copying them into a string.
func Sha256HexBytes(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// Package helpers provides small utilities shared across the codebase.
package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// HexToHash32 decodes a hex string into a 32-byte array.
// Returns false if the string does not decode to exactly 32 bytes.
func HexToHash32(s string) ([32]byte, bool) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil || len(b) != 32 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

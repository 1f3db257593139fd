package helpers

import (
	"crypto/rand"
	"crypto/subtle"
)

// SecureRandom generates n cryptographically secure random bytes.
func SecureRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ConstantTimeCompare compares two byte slices in constant time.
// Safe against timing attacks; used for preimage comparison.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// IsZeroBytes checks if all bytes in the slice are zero.
func IsZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

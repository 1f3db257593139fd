// Package secret implements hashlock and preimage handling for HTLC swaps.
// The hashlock is the SHA-256 digest of a 32-byte preimage; revealing the
// preimage on either chain authorizes redemption on both.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/lockswap-exchange/lockswap/pkg/helpers"
)

// Size is the preimage length in bytes. The hashlock has the same length.
const Size = 32

var ErrBadLength = errors.New("secret must be 32 bytes")

// Generate creates a new random preimage and its hashlock.
func Generate() (preimage [Size]byte, hashlock [Size]byte, err error) {
	if _, err = rand.Read(preimage[:]); err != nil {
		return preimage, hashlock, fmt.Errorf("failed to generate secret: %w", err)
	}
	hashlock = sha256.Sum256(preimage[:])
	return preimage, hashlock, nil
}

// Hash computes the hashlock for a preimage.
func Hash(preimage [Size]byte) [Size]byte {
	return sha256.Sum256(preimage[:])
}

// Verify reports whether sha256(preimage) equals hashlock.
// The comparison is constant-time.
func Verify(preimage [Size]byte, hashlock [Size]byte) bool {
	computed := sha256.Sum256(preimage[:])
	return subtle.ConstantTimeCompare(computed[:], hashlock[:]) == 1
}

// VerifyBytes is Verify over raw slices; returns false for wrong lengths.
func VerifyBytes(preimage, hashlock []byte) bool {
	if len(preimage) != Size || len(hashlock) != Size {
		return false
	}
	computed := sha256.Sum256(preimage)
	return subtle.ConstantTimeCompare(computed[:], hashlock) == 1
}

// ParseHex decodes a hex-encoded preimage or hashlock.
func ParseHex(s string) ([Size]byte, error) {
	out, ok := helpers.HexToHash32(s)
	if !ok {
		return out, ErrBadLength
	}
	return out, nil
}

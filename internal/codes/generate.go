// Package codes implements the signup-credential registry: generation,
// validation, issuance, verification, redemption, and revocation of the
// 8-character enrollment codes doctors hand to customers and colleagues.
package codes

import (
	"crypto/rand"
	"fmt"
	"io"
)

// codeAlphabet is the set of characters codes are drawn from. Uppercase
// alphanumerics only, matching the wire format ^[A-Z0-9]{8}$.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the fixed length of a signup code.
const CodeLength = 8

// GenerateCode returns a new random signup code. 36^8 ≈ 2.8e12 possibilities,
// so collisions with existing rows are vanishingly rare; the caller still
// retries on the code's unique constraint to be safe.
func GenerateCode() (string, error) {
	return generateCode(rand.Reader)
}

// generateCode draws characters by rejection sampling: bytes at or above the
// largest multiple of the alphabet size are discarded, so every character is
// equally likely. A plain b%36 would over-represent the first four characters
// because 256 is not a multiple of 36.
func generateCode(r io.Reader) (string, error) {
	const limit = byte(256 / len(codeAlphabet) * len(codeAlphabet)) // 252
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == CodeLength {
				return string(out), nil
			}
		}
	}
}

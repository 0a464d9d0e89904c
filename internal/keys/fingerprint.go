package keys

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

const fingerprintInfo = "mirrorsync pairing code"

// Fingerprint derives a six-digit code from two base64 public keys so a
// user can compare what the phone and the companion display. The result
// does not depend on argument order.
func Fingerprint(a, b string) (string, error) {
	ka, err := decodeKey(a)
	if err != nil {
		return "", err
	}

	kb, err := decodeKey(b)
	if err != nil {
		return "", err
	}

	pair := [][]byte{ka[:], kb[:]}
	sort.Slice(pair, func(i, j int) bool { return string(pair[i]) < string(pair[j]) })

	ikm := append(append([]byte{}, pair[0]...), pair[1]...)

	out := make([]byte, 4)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, []byte(fingerprintInfo)), out); err != nil {
		return "", fmt.Errorf("deriving fingerprint: %w", err)
	}

	n := (uint32(out[0])<<24 | uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])) % 1_000_000

	return fmt.Sprintf("%06d", n), nil
}

// Package fingerprint produces deterministic short hashes of canonicalized
// values. Fingerprints double as cache keys and change detectors, so the
// canonical form must be stable across processes: maps are marshalled with
// sorted keys by encoding/json, and callers must pass values whose JSON
// encoding is deterministic.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Length of the hex digest kept from the sha256 sum. Long enough to make
// collisions implausible across a single repo's cache namespace.
const digestLen = 16

// Bytes fingerprints a raw byte slice.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:digestLen]
}

// String fingerprints a string.
func String(s string) string { return Bytes([]byte(s)) }

// Strings fingerprints a list by joining with a separator that cannot
// occur inside the values handed to it (callers pass identifiers).
func Strings(vals []string) string {
	return String(strings.Join(vals, "\x00"))
}

// Value fingerprints the canonical JSON encoding of v.
func Value(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for fingerprint: %w", err)
	}
	return Bytes(data), nil
}

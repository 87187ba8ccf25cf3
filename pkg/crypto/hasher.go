package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks content hashes produced by CanonicalHash.
const HashPrefix = "sha256:"

// HashData returns the hex-encoded SHA-256 digest of s.
func HashData(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CanonicalMarshal encodes v as RFC 8785 canonical JSON.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash hashes the canonical JSON form of v. Two values that differ only in
// map ordering or number formatting hash identically.
func CanonicalHash(v any) (string, error) {
	b, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

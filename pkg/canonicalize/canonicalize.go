// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization so the same logical value always produces the same bytes,
// and therefore the same hash, regardless of map iteration order or
// encoder quirks.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON bytes of v.
// v is first marshaled with encoding/json (honoring struct tags), then
// transformed into canonical form: lexically sorted keys, no insignificant
// whitespace, ES6 number formatting.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canon, nil
}

// Hash returns the SHA-256 digest of the canonical form of v,
// prefixed with the algorithm name.
func Hash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

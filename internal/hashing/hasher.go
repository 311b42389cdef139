// Package hashing computes content fingerprints for captured media files.
// The digest is a dedup identity, not a security boundary: two records with
// the same bytes must hash identically on every device.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher produces stable hex digests of file contents.
type Hasher struct{}

// New creates a content hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 of the file at path.
func (h *Hasher) Hash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashBytes returns the lowercase hex SHA-256 of b. Used by tests and by the
// download path to verify materialized files against the remote digest.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

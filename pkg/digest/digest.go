// Package digest computes content fingerprints used for change detection.
//
// A fingerprint is the hex-encoded SHA-256 of a document's raw bytes. Two
// documents with identical bytes always produce identical fingerprints, so
// comparing fingerprints across runs is sufficient to decide whether a
// document needs reformatting.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"gitlab.com/tozd/go/errors"
)

// Bytes returns the fingerprint of the given content.
func Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// File returns the fingerprint of a file's content.
func File(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Errorf("reading file: %w", err)
	}
	return Bytes(content), nil
}

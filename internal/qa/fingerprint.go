package qa

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeText collapses all whitespace runs to single spaces and lower-cases
// the question so that formatting differences do not change its identity.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// NormalizedHash digests the normalized question text.
func NormalizedHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies a cacheable question: the same normalized text asked
// against the same content section always maps to the same key.
func Fingerprint(normalizedHash, contentID, sectionID string) string {
	sum := sha256.Sum256([]byte(normalizedHash + "|" + contentID + "|" + sectionID))
	return hex.EncodeToString(sum[:])
}

package batchcore

import (
	"crypto/rand"
)

const attemptIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewAttemptID mints a random 6-char attempt token (spec.md §3's "attempt_id
// is a random 6-char token"). No library in the retrieval pack generates
// exactly this shape, so it is a dedicated helper over crypto/rand rather
// than google/uuid (used elsewhere for the LS instance id and bunch tokens).
func NewAttemptID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = attemptIDAlphabet[int(b)%len(attemptIDAlphabet)]
	}
	return string(out), nil
}

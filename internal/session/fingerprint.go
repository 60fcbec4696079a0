package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes the first user text concatenated with the first
// assistant text. The assistant half may be empty (e.g. a tool-calling turn
// with no prose); the same pair always yields the same value.
func Fingerprint(firstUser, firstAssistant string) string {
	h := sha256.Sum256([]byte(firstUser + "\x00" + firstAssistant))
	return hex.EncodeToString(h[:])
}

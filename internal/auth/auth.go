// Package auth implements the challenge/response handshake used to
// authenticate privileged client operations and worker connections: the
// server sends a random salt, the peer replies with
// base64(sha256(secret+salt)), and the server compares it against its own
// computation of the same value.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// NewSalt generates a fresh random salt for one authentication round. UUIDs
// give us 122 bits of randomness from crypto/rand without hand-rolling an
// encoding; a few bytes of additional crypto/rand entropy are mixed in so
// the salt isn't solely dependent on the UUID library's randomness source.
func NewSalt() (string, error) {
	var extra [8]byte
	if _, err := rand.Read(extra[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return uuid.New().String() + base64.RawURLEncoding.EncodeToString(extra[:]), nil
}

// Respond computes the response a peer sends back after receiving a salt:
// base64(sha256(secret + salt)), matching the wire format expected by Verify.
// The encoding is unpadded.
func Respond(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// Verify reports whether response is the correct answer to salt for secret.
// Comparison is constant-time to avoid leaking timing information about the
// shared secret.
func Verify(secret, salt, response string) bool {
	want := Respond(secret, salt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(response)) == 1
}

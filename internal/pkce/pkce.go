// Package pkce implements Proof Key for Code Exchange (RFC 7636) verification.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Matches reports whether verifier satisfies the recorded challenge.
// A challenge recorded without a method is compared as plain, per RFC
// 7636 section 4.3. Comparison is constant time.
func Matches(challenge, method, verifier string) bool {
	if challenge == "" {
		return false
	}
	var derived string
	switch method {
	case MethodPlain, "":
		derived = verifier
	case MethodS256:
		derived = Challenge(verifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// Package crypto gathers the primitives the gateway and the embedded OAuth
// server share: constant-time comparison, hashing, random token generation,
// PKCE S256 derivation and password verification.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// TokenBytes is the entropy of generated tokens and authorization codes.
const TokenBytes = 32

// SecureCompare compares two strings in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the hex-encoded SHA-256 digest of s. Stored tokens and
// client secrets are only ever persisted in this form.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RandomHex returns n random bytes encoded as hex.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewToken mints a fresh 32-byte token encoded as hex.
func NewToken() (string, error) {
	return RandomHex(TokenBytes)
}

// S256Challenge computes BASE64URL(SHA-256(verifier)) per RFC 7636.
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks that the supplied code_verifier derives the stored
// code_challenge under the S256 method.
func VerifyPKCE(verifier, challenge string) bool {
	return SecureCompare(S256Challenge(verifier), challenge)
}

// bcryptPrefix matches the modular crypt prefix of a bcrypt digest:
// $2a$, $2b$ or $2y$ followed by the two-digit cost and another $.
var bcryptPrefix = regexp.MustCompile(`^\$2[aby]\$\d{2}\$`)

// IsBcryptDigest reports whether stored looks like a bcrypt password digest.
func IsBcryptDigest(stored string) bool {
	return bcryptPrefix.MatchString(stored)
}

// VerifyPassword checks a supplied password against its stored form. Bcrypt
// digests are detected by prefix; anything else is treated as plaintext and
// compared in constant time.
func VerifyPassword(stored, supplied string) bool {
	if IsBcryptDigest(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return SecureCompare(stored, supplied)
}

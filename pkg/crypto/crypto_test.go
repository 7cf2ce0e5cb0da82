package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("secret", "secret"))
	assert.False(t, SecureCompare("secret", "Secret"))
	assert.False(t, SecureCompare("secret", "secret "))
	assert.False(t, SecureCompare("", "secret"))
	assert.True(t, SecureCompare("", ""))
}

func TestSHA256Hex(t *testing.T) {
	// Well-known digest of the empty string.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(""))
	assert.Len(t, SHA256Hex("token"), 64)
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestS256Challenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	assert.Equal(t, want, S256Challenge(verifier))
	assert.True(t, VerifyPKCE(verifier, want))
	assert.False(t, VerifyPKCE("wrong", want))
}

func TestVerifyPKCESingleBytePerturbation(t *testing.T) {
	verifier := "abcdefghijklmnopqrstuvwxyz0123456789abcdefg"
	challenge := S256Challenge(verifier)
	require.True(t, VerifyPKCE(verifier, challenge))

	for i := range verifier {
		perturbed := []byte(verifier)
		perturbed[i] ^= 1
		assert.False(t, VerifyPKCE(string(perturbed), challenge))
	}
}

func TestIsBcryptDigest(t *testing.T) {
	assert.True(t, IsBcryptDigest("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"))
	assert.True(t, IsBcryptDigest("$2b$12$abcdefghijklmnopqrstuv"))
	assert.True(t, IsBcryptDigest("$2y$08$abcdefghijklmnopqrstuv"))
	assert.False(t, IsBcryptDigest("plaintext"))
	assert.False(t, IsBcryptDigest("$2x$10$abc"))
	assert.False(t, IsBcryptDigest("$2a$1$tooShortCost"))
}

func TestVerifyPassword(t *testing.T) {
	// Digest of "password" at cost 10.
	digest := "$2a$10$rarIL.4lz50dSgq6mwNFRenNPhm44ZzRrZcEWgbEHvespcctgixUO"
	assert.True(t, VerifyPassword(digest, "password"))
	assert.False(t, VerifyPassword(digest, "wrong"))

	assert.True(t, VerifyPassword("testpass", "testpass"))
	assert.False(t, VerifyPassword("testpass", "other"))
}

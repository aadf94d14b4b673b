package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the work factor for passphrase derived keys.
	PBKDF2Iterations = 100000

	// SaltSize is the length of a passphrase salt.
	SaltSize = 16
)

// DeriveKey stretches a passphrase into a 32-byte AES-256 key with
// PBKDF2-SHA256 under salt.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, 32, sha256.New)
}

// Fingerprint returns a short hex BLAKE2b digest used to identify key
// material in logs and the key registry without exposing the key.
func Fingerprint(key []byte) string {
	sum, err := blake2b.New(8, nil)
	if err != nil {
		return ""
	}
	sum.Write(key)
	return hex.EncodeToString(sum.Sum(nil))
}

// HMACSHA256 computes HMAC-SHA256 over the concatenation of parts.
func HMACSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// VerifyHMACSHA256 recomputes the MAC and compares it in constant time.
func VerifyHMACSHA256(key, expected []byte, parts ...[]byte) bool {
	actual := HMACSHA256(key, parts...)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// RandomBytes returns size bytes from crypto/rand.
func RandomBytes(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

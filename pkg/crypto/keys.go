package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair generates a new X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	// clamp as per RFC 7748 so the stored scalar is canonical
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return &kp, nil
}

// KeyPairFromPrivate rebuilds a key pair from a stored private scalar.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(priv))
	}
	var kp KeyPair
	copy(kp.Private[:], priv)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return &kp, nil
}

// SharedSecret performs X25519 between our private key and a peer public key.
func (kp *KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(peerPublic))
	}
	secret, err := curve25519.X25519(kp.Private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return secret, nil
}

// SigningKey is an Ed25519 key stored by its 32-byte seed.
type SigningKey struct {
	Seed [ed25519.SeedSize]byte
}

// GenerateSigningKey creates a new Ed25519 signing key.
func GenerateSigningKey() (*SigningKey, error) {
	var sk SigningKey
	if _, err := rand.Read(sk.Seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &sk, nil
}

// Public returns the Ed25519 public key.
func (sk *SigningKey) Public() []byte {
	priv := ed25519.NewKeyFromSeed(sk.Seed[:])
	return []byte(priv.Public().(ed25519.PublicKey))
}

// Sign signs message with the key.
func (sk *SigningKey) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(sk.Seed[:]), message)
}

// Verify checks an Ed25519 signature.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

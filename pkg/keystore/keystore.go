// Package keystore holds the per-device key material: identity and noise
// keys, signed and one-time pre-keys, the registration id and the keys
// negotiated by the handshake.
//
// A KeyStore is the only place key material is generated or mutated. It is
// shared by the send and receive paths of a connection and is safe for
// concurrent use.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ZentaChain/wamd/pkg/crypto"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

const (
	// MaxRegistrationID bounds the 14-bit registration id space.
	MaxRegistrationID = 1<<14 - 1

	SignatureSize = 64

	signedPreKeyID = 1
)

var ErrInvalidKeys = errors.New("negotiated keys must be 32 bytes")

// PreKey is an X25519 key pair with its id.
type PreKey struct {
	KeyID uint32
	crypto.KeyPair
}

// SignedPreKey is a pre-key whose public half is signed by the identity key.
type SignedPreKey struct {
	PreKey
	Signature [SignatureSize]byte
	Timestamp uint64
}

// KeyStore is the session key store of one device.
type KeyStore struct {
	mu sync.RWMutex

	identity       crypto.KeyPair
	signingKey     crypto.SigningKey
	noiseKey       crypto.KeyPair
	signedPreKey   SignedPreKey
	oneTimeKeys    map[uint32]crypto.KeyPair
	nextPreKeyID   uint32
	registrationID uint16
	advSecret      [32]byte
	clientID       string

	encryptionKey []byte
	macKey        []byte

	clientToken []byte
	serverToken []byte

	jid      protocol.JID
	pushName string
}

// Generate creates a key store with fresh identity, noise and signed pre-key
// material, an empty one-time key pool and a random registration id.
func Generate() (*KeyStore, error) {
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	signing, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	noise, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate noise key: %w", err)
	}

	regID, err := randomRegistrationID()
	if err != nil {
		return nil, err
	}

	ks := &KeyStore{
		identity:       *identity,
		signingKey:     *signing,
		noiseKey:       *noise,
		oneTimeKeys:    make(map[uint32]crypto.KeyPair),
		nextPreKeyID:   1,
		registrationID: regID,
	}

	if _, err := rand.Read(ks.advSecret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate adv secret: %w", err)
	}

	clientID, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}
	ks.clientID = base64.StdEncoding.EncodeToString(clientID)

	spk, err := newSignedPreKey(signedPreKeyID, signing)
	if err != nil {
		return nil, err
	}
	ks.signedPreKey = *spk

	return ks, nil
}

func randomRegistrationID() (uint16, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxRegistrationID))
	if err != nil {
		return 0, fmt.Errorf("failed to generate registration id: %w", err)
	}
	return uint16(n.Int64()) + 1, nil
}

// signedPreKeyMessage is keyID || public key || timestamp.
func signedPreKeyMessage(keyID uint32, public [32]byte, timestamp uint64) []byte {
	buf := make([]byte, 4+32+8)
	binary.BigEndian.PutUint32(buf[0:4], keyID)
	copy(buf[4:36], public[:])
	binary.BigEndian.PutUint64(buf[36:44], timestamp)
	return buf
}

func newSignedPreKey(keyID uint32, signing *crypto.SigningKey) (*SignedPreKey, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed pre-key: %w", err)
	}

	spk := &SignedPreKey{
		PreKey:    PreKey{KeyID: keyID, KeyPair: *kp},
		Timestamp: uint64(time.Now().Unix()),
	}
	sig := signing.Sign(signedPreKeyMessage(keyID, kp.Public, spk.Timestamp))
	copy(spk.Signature[:], sig)
	return spk, nil
}

// AddOneTimeKey generates a one-time pre-key under the next unused id.
// Ids are never reused, even after the key is removed.
func (ks *KeyStore) AddOneTimeKey() (uint32, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return 0, fmt.Errorf("failed to generate one-time key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	id := ks.nextPreKeyID
	ks.nextPreKeyID++
	ks.oneTimeKeys[id] = *kp
	return id, nil
}

// AddOneTimeKeys adds count keys and returns their ids in order.
func (ks *KeyStore) AddOneTimeKeys(count int) ([]uint32, error) {
	ids := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		id, err := ks.AddOneTimeKey()
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveUsedKey deletes a consumed one-time key. Removing an unknown id is a
// no-op.
func (ks *KeyStore) RemoveUsedKey(id uint32) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.oneTimeKeys, id)
}

// OneTimeKey returns the one-time key for id. ok is false when the id was
// never issued or has been consumed.
func (ks *KeyStore) OneTimeKey(id uint32) (PreKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	kp, ok := ks.oneTimeKeys[id]
	if !ok {
		return PreKey{}, false
	}
	return PreKey{KeyID: id, KeyPair: kp}, true
}

// OneTimeKeyCount returns the size of the one-time key pool.
func (ks *KeyStore) OneTimeKeyCount() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.oneTimeKeys)
}

// IsValid reports whether the handshake has installed well-sized keys.
func (ks *KeyStore) IsValid() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.encryptionKey) == crypto.KeySize && len(ks.macKey) == crypto.KeySize
}

// UpdateKeys installs the keys negotiated by the handshake.
func (ks *KeyStore) UpdateKeys(encryptionKey, macKey []byte) error {
	if len(encryptionKey) != crypto.KeySize || len(macKey) != crypto.KeySize {
		return protocol.NewCryptoError(
			fmt.Sprintf("got %d and %d bytes", len(encryptionKey), len(macKey)), ErrInvalidKeys)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.encryptionKey = append([]byte(nil), encryptionKey...)
	ks.macKey = append([]byte(nil), macKey...)
	return nil
}

// Keys returns copies of the negotiated keys.
func (ks *KeyStore) Keys() (encryptionKey, macKey []byte, ok bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if len(ks.encryptionKey) != crypto.KeySize || len(ks.macKey) != crypto.KeySize {
		return nil, nil, false
	}
	return append([]byte(nil), ks.encryptionKey...), append([]byte(nil), ks.macKey...), true
}

// SetAuthTokens stores the client and server tokens issued at pairing.
func (ks *KeyStore) SetAuthTokens(clientToken, serverToken []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.clientToken = append([]byte(nil), clientToken...)
	ks.serverToken = append([]byte(nil), serverToken...)
}

// AuthTokens returns the stored tokens.
func (ks *KeyStore) AuthTokens() (clientToken, serverToken []byte) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return append([]byte(nil), ks.clientToken...), append([]byte(nil), ks.serverToken...)
}

// SetIdentity records the device JID and push name assigned at pairing.
func (ks *KeyStore) SetIdentity(jid protocol.JID, pushName string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.jid = jid
	ks.pushName = pushName
}

// JID returns the device JID, empty before pairing.
func (ks *KeyStore) JID() protocol.JID {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.jid
}

// PushName returns the display name recorded at pairing.
func (ks *KeyStore) PushName() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.pushName
}

// IsPaired reports whether the device has been linked to an account.
func (ks *KeyStore) IsPaired() bool {
	return !ks.JID().IsEmpty()
}

// RegistrationID returns the 14-bit registration id.
func (ks *KeyStore) RegistrationID() uint16 {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.registrationID
}

// IdentityPublic returns the identity public key.
func (ks *KeyStore) IdentityPublic() [32]byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.identity.Public
}

// SigningPublic returns the Ed25519 key that signs pre-keys.
func (ks *KeyStore) SigningPublic() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.signingKey.Public()
}

// NoiseKey returns a copy of the static key pair used in the handshake.
func (ks *KeyStore) NoiseKey() crypto.KeyPair {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.noiseKey
}

// SignedPreKey returns the active signed pre-key.
func (ks *KeyStore) SignedPreKey() SignedPreKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.signedPreKey
}

// AdvSecret returns the secret advertised in the pairing QR code.
func (ks *KeyStore) AdvSecret() [32]byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.advSecret
}

// ClientID returns the base64 client id sent during pairing.
func (ks *KeyStore) ClientID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.clientID
}

// RotateSignedPreKey replaces the signed pre-key with a fresh one under the
// next id.
func (ks *KeyStore) RotateSignedPreKey() (uint32, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	spk, err := newSignedPreKey(ks.signedPreKey.KeyID+1, &ks.signingKey)
	if err != nil {
		return 0, err
	}
	ks.signedPreKey = *spk
	return spk.KeyID, nil
}

// VerifySignedPreKey checks the signed pre-key signature against a signing
// public key.
func VerifySignedPreKey(signingPublic []byte, spk SignedPreKey) bool {
	msg := signedPreKeyMessage(spk.KeyID, spk.Public, spk.Timestamp)
	return crypto.Verify(signingPublic, msg, spk.Signature[:])
}

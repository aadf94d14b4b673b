package keystore

import (
	"fmt"

	"github.com/ZentaChain/wamd/pkg/crypto"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

// State is the serializable form of a KeyStore.
type State struct {
	IdentityPrivate []byte
	SigningSeed     []byte
	NoisePrivate    []byte

	SignedPreKeyID        uint32
	SignedPreKeyPrivate   []byte
	SignedPreKeySignature []byte
	SignedPreKeyTimestamp uint64

	OneTimeKeys  map[uint32][]byte // id -> private key
	NextPreKeyID uint32

	RegistrationID uint16
	AdvSecret      []byte
	ClientID       string

	EncryptionKey []byte
	MACKey        []byte
	ClientToken   []byte
	ServerToken   []byte

	JID      string
	PushName string
}

// Snapshot copies the store contents for persistence.
func (ks *KeyStore) Snapshot() State {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	st := State{
		IdentityPrivate:       append([]byte(nil), ks.identity.Private[:]...),
		SigningSeed:           append([]byte(nil), ks.signingKey.Seed[:]...),
		NoisePrivate:          append([]byte(nil), ks.noiseKey.Private[:]...),
		SignedPreKeyID:        ks.signedPreKey.KeyID,
		SignedPreKeyPrivate:   append([]byte(nil), ks.signedPreKey.Private[:]...),
		SignedPreKeySignature: append([]byte(nil), ks.signedPreKey.Signature[:]...),
		SignedPreKeyTimestamp: ks.signedPreKey.Timestamp,
		OneTimeKeys:           make(map[uint32][]byte, len(ks.oneTimeKeys)),
		NextPreKeyID:          ks.nextPreKeyID,
		RegistrationID:        ks.registrationID,
		AdvSecret:             append([]byte(nil), ks.advSecret[:]...),
		ClientID:              ks.clientID,
		EncryptionKey:         append([]byte(nil), ks.encryptionKey...),
		MACKey:                append([]byte(nil), ks.macKey...),
		ClientToken:           append([]byte(nil), ks.clientToken...),
		ServerToken:           append([]byte(nil), ks.serverToken...),
		PushName:              ks.pushName,
	}
	if !ks.jid.IsEmpty() {
		st.JID = ks.jid.String()
	}
	for id, kp := range ks.oneTimeKeys {
		st.OneTimeKeys[id] = append([]byte(nil), kp.Private[:]...)
	}
	return st
}

// Restore rebuilds a KeyStore from a snapshot.
func Restore(st State) (*KeyStore, error) {
	identity, err := crypto.KeyPairFromPrivate(st.IdentityPrivate)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	noise, err := crypto.KeyPairFromPrivate(st.NoisePrivate)
	if err != nil {
		return nil, fmt.Errorf("noise key: %w", err)
	}
	spk, err := crypto.KeyPairFromPrivate(st.SignedPreKeyPrivate)
	if err != nil {
		return nil, fmt.Errorf("signed pre-key: %w", err)
	}
	if len(st.SigningSeed) != 32 {
		return nil, fmt.Errorf("signing key: %w", crypto.ErrInvalidKey)
	}
	if len(st.SignedPreKeySignature) != SignatureSize {
		return nil, fmt.Errorf("signed pre-key signature is %d bytes", len(st.SignedPreKeySignature))
	}
	if st.RegistrationID == 0 || st.RegistrationID > MaxRegistrationID {
		return nil, fmt.Errorf("registration id %d out of range", st.RegistrationID)
	}

	ks := &KeyStore{
		identity:       *identity,
		noiseKey:       *noise,
		oneTimeKeys:    make(map[uint32]crypto.KeyPair, len(st.OneTimeKeys)),
		nextPreKeyID:   st.NextPreKeyID,
		registrationID: st.RegistrationID,
		clientID:       st.ClientID,
		pushName:       st.PushName,
		clientToken:    append([]byte(nil), st.ClientToken...),
		serverToken:    append([]byte(nil), st.ServerToken...),
	}
	copy(ks.signingKey.Seed[:], st.SigningSeed)
	copy(ks.advSecret[:], st.AdvSecret)

	ks.signedPreKey = SignedPreKey{
		PreKey:    PreKey{KeyID: st.SignedPreKeyID, KeyPair: *spk},
		Timestamp: st.SignedPreKeyTimestamp,
	}
	copy(ks.signedPreKey.Signature[:], st.SignedPreKeySignature)

	for id, priv := range st.OneTimeKeys {
		kp, err := crypto.KeyPairFromPrivate(priv)
		if err != nil {
			return nil, fmt.Errorf("one-time key %d: %w", id, err)
		}
		ks.oneTimeKeys[id] = *kp
		if id >= ks.nextPreKeyID {
			ks.nextPreKeyID = id + 1
		}
	}
	if ks.nextPreKeyID == 0 {
		ks.nextPreKeyID = 1
	}

	if len(st.EncryptionKey) > 0 || len(st.MACKey) > 0 {
		if err := ks.UpdateKeys(st.EncryptionKey, st.MACKey); err != nil {
			return nil, err
		}
	}

	if st.JID != "" {
		jid, err := protocol.ParseJID(st.JID)
		if err != nil {
			return nil, fmt.Errorf("device jid: %w", err)
		}
		ks.jid = jid
	}

	return ks, nil
}

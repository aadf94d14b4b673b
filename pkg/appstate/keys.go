package appstate

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/ZentaChain/wamd/pkg/crypto"
)

const mutationKeysInfo = "WhatsApp Mutation Keys"

// SyncKey is an app state sync key shared by the primary device.
type SyncKey struct {
	KeyID       []byte
	KeyData     []byte
	Fingerprint string
	Timestamp   int64
}

// MutationKeys are the keys expanded from one sync key.
type MutationKeys struct {
	Index           []byte
	ValueEncryption []byte
	ValueMAC        []byte
	SnapshotMAC     []byte
	PatchMAC        []byte
}

// ExpandSyncKey derives the mutation keys from sync key data.
func ExpandSyncKey(keyData []byte) (MutationKeys, error) {
	out, err := crypto.HKDF(keyData, nil, []byte(mutationKeysInfo), 160)
	if err != nil {
		return MutationKeys{}, err
	}
	return MutationKeys{
		Index:           out[0:32],
		ValueEncryption: out[32:64],
		ValueMAC:        out[64:96],
		SnapshotMAC:     out[96:128],
		PatchMAC:        out[128:160],
	}, nil
}

// KeyRegistry maps key ids to sync keys. It is safe for concurrent use.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]SyncKey
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]SyncKey)}
}

// Register stores a key, filling in the fingerprint and timestamp when unset.
func (r *KeyRegistry) Register(key SyncKey) SyncKey {
	if key.Fingerprint == "" {
		key.Fingerprint = crypto.Fingerprint(key.KeyData)
	}
	if key.Timestamp == 0 {
		key.Timestamp = time.Now().Unix()
	}
	key.KeyID = append([]byte(nil), key.KeyID...)
	key.KeyData = append([]byte(nil), key.KeyData...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[hex.EncodeToString(key.KeyID)] = key
	return key
}

// Lookup returns the key for keyID.
func (r *KeyRegistry) Lookup(keyID []byte) (SyncKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[hex.EncodeToString(keyID)]
	return key, ok
}

// Latest returns the most recently created key.
func (r *KeyRegistry) Latest() (SyncKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest SyncKey
	found := false
	for _, k := range r.keys {
		if !found || k.Timestamp > latest.Timestamp ||
			(k.Timestamp == latest.Timestamp && hex.EncodeToString(k.KeyID) > hex.EncodeToString(latest.KeyID)) {
			latest, found = k, true
		}
	}
	return latest, found
}

// Len returns the number of registered keys.
func (r *KeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

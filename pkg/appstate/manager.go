package appstate

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/log"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

// Persister stores accepted state. It is called with the manager's write
// lock held and must not call back into the manager. Each call must be
// atomic: on error nothing it was given may remain stored.
type Persister interface {
	// SavePatch upserts entries and raises the stored version of collection
	// to version. An empty collection only saves the entries.
	SavePatch(collection Type, version uint64, entries []Entry) error
	// ReplaceState drops every stored entry and collection version and
	// stores the given ones instead.
	ReplaceState(versions map[Type]uint64, entries []Entry) error
	SaveSyncKey(key SyncKey) error
}

// Manager owns the app state map, the buffered patches and the pending sync
// requests. All methods are safe for concurrent use; ApplyPatches runs with
// exclusive access to the state map.
type Manager struct {
	mu sync.RWMutex

	entries     map[string]Entry
	collections map[Type]uint64
	buffered    []Patch
	pending     map[string]Type
	missingKeys map[string][]byte

	keys      *KeyRegistry
	persister Persister
	logger    *zap.Logger
}

// NewManager creates a manager verifying patches against keys. A nil
// registry starts empty.
func NewManager(keys *KeyRegistry) *Manager {
	if keys == nil {
		keys = NewKeyRegistry()
	}
	return &Manager{
		entries:     make(map[string]Entry),
		collections: make(map[Type]uint64),
		pending:     make(map[string]Type),
		missingKeys: make(map[string][]byte),
		keys:        keys,
		logger:      log.Named("appstate"),
	}
}

// SetPersister installs the storage hook called after successful merges.
func (m *Manager) SetPersister(p Persister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persister = p
}

// Keys returns the key registry.
func (m *Manager) Keys() *KeyRegistry {
	return m.keys
}

// RegisterKey adds a sync key and persists it.
func (m *Manager) RegisterKey(key SyncKey) error {
	key = m.keys.Register(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.missingKeys, hex.EncodeToString(key.KeyID))
	if m.persister != nil {
		if err := m.persister.SaveSyncKey(key); err != nil {
			return fmt.Errorf("failed to persist sync key: %w", err)
		}
	}
	return nil
}

// MissingKeys returns key ids referenced by rejected patches that are not
// yet registered.
func (m *Manager) MissingKeys() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(m.missingKeys))
	for _, id := range m.missingKeys {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return hex.EncodeToString(out[i]) < hex.EncodeToString(out[j]) })
	return out
}

// AddEntry sets an entry directly, bypassing patch verification. It is used
// for locally originated state and when restoring from storage.
func (m *Manager) AddEntry(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Name] = cloneEntry(e)
}

// Entry returns the entry stored under name.
func (m *Manager) Entry(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// Entries returns all entries sorted by name.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedEntriesLocked()
}

func (m *Manager) sortedEntriesLocked() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CurrentVersion returns the stored version for name.
func (m *Manager) CurrentVersion(name string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	return e.Version, ok
}

// CollectionVersion returns the highest patch version applied to a
// collection.
func (m *Manager) CollectionVersion(t Type) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collections[t]
}

// SetCollectionVersion restores a collection version from storage.
func (m *Manager) SetCollectionVersion(t Type, version uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[t] = version
}

// StorePatch buffers a patch for the next ApplyPatches call.
func (m *Manager) StorePatch(p Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffered = append(m.buffered, clonePatch(p))
}

// BufferedPatches returns the number of patches awaiting application.
func (m *Manager) BufferedPatches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffered)
}

// VerifyPatchMAC reports whether the patch MAC matches under its sync key.
// A patch whose key is not registered never verifies.
func (m *Manager) VerifyPatchMAC(p Patch) bool {
	return m.verifyPatch(p) == nil
}

func (m *Manager) verifyPatch(p Patch) error {
	key, ok := m.keys.Lookup(p.KeyID)
	if !ok {
		return protocol.NewSyncError(fmt.Sprintf("key %x", p.KeyID), protocol.ErrUnknownKey)
	}
	keys, err := ExpandSyncKey(key.KeyData)
	if err != nil {
		return protocol.NewCryptoError("expand sync key", err)
	}
	expected := ComputePatchMAC(keys, p)
	if subtle.ConstantTimeCompare(expected, p.PatchMAC) != 1 {
		return protocol.NewCryptoError(fmt.Sprintf("patch %s v%d", p.Collection, p.Version), protocol.ErrMACMismatch)
	}
	return nil
}

// ApplyPatches verifies and merges every buffered patch in arrival order and
// clears the buffer. Each result carries the error that rejected its patch,
// if any.
func (m *Manager) ApplyPatches() []PatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	patches := m.buffered
	m.buffered = nil

	results := make([]PatchResult, 0, len(patches))
	for _, p := range patches {
		err := m.applyLocked(p)
		if err != nil {
			m.logger.Warn("patch rejected",
				zap.String("collection", string(p.Collection)),
				zap.Uint64("version", p.Version),
				zap.Error(err))
		}
		results = append(results, PatchResult{Collection: p.Collection, Version: p.Version, Err: err})
	}
	return results
}

func (m *Manager) applyLocked(p Patch) error {
	if err := m.verifyPatch(p); err != nil {
		if protocol.IsKind(err, protocol.KindSync) {
			m.missingKeys[hex.EncodeToString(p.KeyID)] = append([]byte(nil), p.KeyID...)
		}
		return err
	}

	for _, e := range p.Entries {
		if cur, ok := m.entries[e.Name]; ok && p.Version <= cur.Version {
			return protocol.NewSyncError(
				fmt.Sprintf("%q at version %d, patch version %d", e.Name, cur.Version, p.Version),
				protocol.ErrStaleVersion)
		}
	}

	merged := make([]Entry, 0, len(p.Entries))
	for _, e := range p.Entries {
		e = cloneEntry(e)
		e.Version = p.Version
		merged = append(merged, e)
	}

	return m.commitLocked(p.Collection, p.Version, merged)
}

// commitLocked persists then merges entries and raises the collection
// version. Nothing changes in memory when the persister fails.
func (m *Manager) commitLocked(collection Type, version uint64, entries []Entry) error {
	bump := collection != "" && version > m.collections[collection]
	if m.persister != nil {
		saveAs := collection
		if !bump {
			saveAs = ""
		}
		if err := m.persister.SavePatch(saveAs, version, entries); err != nil {
			return protocol.NewSyncError(fmt.Sprintf("persist %s v%d", collection, version), err)
		}
	}

	for _, e := range entries {
		m.entries[e.Name] = e
	}
	if bump {
		m.collections[collection] = version
	}
	return nil
}

func cloneEntry(e Entry) Entry {
	e.Data = append([]byte(nil), e.Data...)
	return e
}

func clonePatch(p Patch) Patch {
	p.KeyID = append([]byte(nil), p.KeyID...)
	p.SnapshotMAC = append([]byte(nil), p.SnapshotMAC...)
	p.PatchMAC = append([]byte(nil), p.PatchMAC...)
	entries := make([]Entry, len(p.Entries))
	for i, e := range p.Entries {
		entries[i] = cloneEntry(e)
	}
	p.Entries = entries
	return p
}

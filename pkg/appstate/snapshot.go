package appstate

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// snapshot is a decoded <snapshot> node.
type snapshot struct {
	versions map[Type]uint64
	entries  []Entry
	keyHex   string
	macHex   string
}

// CreateSnapshot serializes the whole entry map, sorted by name, as a binary
// <snapshot> node together with the version of every collection. When a sync
// key is registered the snapshot carries a MAC under the most recent one.
func (m *Manager) CreateSnapshot() ([]byte, error) {
	m.mu.RLock()
	entries := m.sortedEntriesLocked()
	versions := maps.Clone(m.collections)
	m.mu.RUnlock()

	return EncodeSnapshot(m.keys, versions, entries)
}

// EncodeSnapshot builds a <snapshot> node over versions and entries, signed
// with the latest key in keys when there is one.
func EncodeSnapshot(keys *KeyRegistry, versions map[Type]uint64, entries []Entry) ([]byte, error) {
	attrs := protocol.Attrs{}
	if key, ok := keys.Latest(); ok {
		mk, err := ExpandSyncKey(key.KeyData)
		if err != nil {
			return nil, protocol.NewCryptoError("expand sync key", err)
		}
		attrs["key_id"] = strings.ToUpper(hex.EncodeToString(key.KeyID))
		attrs["mac"] = hex.EncodeToString(ComputeSnapshotMAC(mk, versions, entries))
	}

	children := make([]protocol.Node, 0, len(versions)+len(entries))
	types := make([]Type, 0, len(versions))
	for t := range versions {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		children = append(children, protocol.Node{
			Tag:   "collection",
			Attrs: protocol.Attrs{"name": string(t), "version": strconv.FormatUint(versions[t], 10)},
		})
	}
	for _, e := range entries {
		children = append(children, protocol.Node{
			Tag: "mutation",
			Attrs: protocol.Attrs{
				"name":    e.Name,
				"version": strconv.FormatUint(e.Version, 10),
				"t":       strconv.FormatInt(e.Timestamp, 10),
			},
			Content: e.Data,
		})
	}

	data, err := protocol.Marshal(protocol.Node{Tag: "snapshot", Attrs: attrs, Content: children})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// LoadSnapshot replaces the entry map and every collection version with a
// snapshot produced by CreateSnapshot. Once any sync key is registered the
// snapshot must be signed by one of them. Nothing is replaced on error.
func (m *Manager) LoadSnapshot(data []byte) error {
	snap, err := m.decodeSnapshot(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persister != nil {
		if err := m.persister.ReplaceState(snap.versions, snap.entries); err != nil {
			return protocol.NewSyncError("persist snapshot", err)
		}
	}
	m.entries = make(map[string]Entry, len(snap.entries))
	for _, e := range snap.entries {
		m.entries[e.Name] = e
	}
	m.collections = snap.versions
	return nil
}

// LoadCollectionSnapshot merges a snapshot the server returned for a single
// collection. The snapshot must cover exactly that collection at a version
// above the stored one.
func (m *Manager) LoadCollectionSnapshot(collection Type, data []byte) error {
	snap, err := m.decodeSnapshot(data)
	if err != nil {
		return err
	}
	version, ok := snap.versions[collection]
	if !ok || len(snap.versions) != 1 {
		return protocol.NewProtocolError(fmt.Sprintf("snapshot does not cover only %s", collection), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.collections[collection]; version <= cur {
		return protocol.NewSyncError(
			fmt.Sprintf("%s snapshot version %d, stored version %d", collection, version, cur),
			protocol.ErrStaleVersion)
	}
	return m.commitLocked(collection, version, snap.entries)
}

func (m *Manager) decodeSnapshot(data []byte) (*snapshot, error) {
	node, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if node.Tag != "snapshot" {
		return nil, protocol.NewProtocolError(fmt.Sprintf("expected <snapshot>, got <%s>", node.Tag), nil)
	}

	snap := &snapshot{
		versions: make(map[Type]uint64),
		keyHex:   node.AttrString("key_id"),
		macHex:   node.AttrString("mac"),
	}
	for _, child := range node.GetChildrenByTag("collection") {
		t, err := ParseType(child.AttrString("name"))
		if err != nil {
			return nil, err
		}
		if snap.versions[t], err = parseUint(child, "version"); err != nil {
			return nil, err
		}
	}
	for _, child := range node.GetChildrenByTag("mutation") {
		e, err := parseMutation(child)
		if err != nil {
			return nil, err
		}
		snap.entries = append(snap.entries, e)
	}

	switch {
	case snap.keyHex != "" || snap.macHex != "":
		if err := m.verifySnapshot(snap); err != nil {
			return nil, err
		}
	case m.keys.Len() > 0:
		return nil, protocol.NewCryptoError("snapshot is not signed", protocol.ErrMissingMAC)
	}
	return snap, nil
}

func (m *Manager) verifySnapshot(snap *snapshot) error {
	keyID, err := hex.DecodeString(snap.keyHex)
	if err != nil || len(keyID) == 0 {
		return protocol.NewProtocolError("<snapshot> has invalid key_id", err)
	}
	key, ok := m.keys.Lookup(keyID)
	if !ok {
		return protocol.NewSyncError(fmt.Sprintf("key %x", keyID), protocol.ErrUnknownKey)
	}
	mac, err := hex.DecodeString(snap.macHex)
	if err != nil || len(mac) == 0 {
		return protocol.NewCryptoError("<snapshot> has invalid mac", protocol.ErrMissingMAC)
	}
	keys, err := ExpandSyncKey(key.KeyData)
	if err != nil {
		return protocol.NewCryptoError("expand sync key", err)
	}
	if subtle.ConstantTimeCompare(ComputeSnapshotMAC(keys, snap.versions, snap.entries), mac) != 1 {
		return protocol.NewCryptoError("snapshot", protocol.ErrMACMismatch)
	}
	return nil
}

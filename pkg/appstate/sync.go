package appstate

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// SyncNamespace is the xmlns of app state sync iqs.
const SyncNamespace = "w:sync:app:state"

// SyncResponse is the parsed server answer to one sync request.
type SyncResponse struct {
	RequestID  string
	Collection Type
	Version    uint64
	Patches    []Patch
	Snapshot   []byte
	HasMore    bool
}

// RequestSync builds one sync iq per requested type and records each request
// id as pending. Nodes are returned in the order of types.
func (m *Manager) RequestSync(types []Type) ([]protocol.Node, error) {
	if len(types) == 0 {
		return nil, protocol.NewSyncError("no collection types requested", nil)
	}
	for _, t := range types {
		if _, err := ParseType(string(t)); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make([]protocol.Node, 0, len(types))
	for _, t := range types {
		id := uuid.NewString()
		version := m.collections[t]
		nodes = append(nodes, protocol.Node{
			Tag: "iq",
			Attrs: protocol.Attrs{
				"id":    id,
				"type":  "set",
				"xmlns": SyncNamespace,
				"to":    protocol.DefaultUserServer,
			},
			Content: []protocol.Node{{
				Tag: "sync",
				Content: []protocol.Node{{
					Tag: "collection",
					Attrs: protocol.Attrs{
						"name":            string(t),
						"version":         strconv.FormatUint(version, 10),
						"return_snapshot": strconv.FormatBool(version == 0),
					},
				}},
			}},
		})
		m.pending[id] = t
	}
	m.logger.Debug("app state sync requested", zap.Int("collections", len(types)))
	return nodes, nil
}

// PendingRequests returns the ids of requests awaiting a response, sorted.
func (m *Manager) PendingRequests() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleSyncResponse matches a result iq to its pending request, buffers the
// contained patches and clears the request.
func (m *Manager) HandleSyncResponse(node protocol.Node) (*SyncResponse, error) {
	if node.Tag != "iq" {
		return nil, protocol.NewProtocolError(fmt.Sprintf("expected <iq>, got <%s>", node.Tag), nil)
	}
	id := node.AttrString("id")

	m.mu.RLock()
	requested, ok := m.pending[id]
	m.mu.RUnlock()
	if !ok {
		return nil, protocol.NewProtocolError(fmt.Sprintf("no pending sync request %q", id), nil)
	}
	if node.AttrString("type") == "error" {
		m.clearPending(id)
		return nil, protocol.NewSyncError(fmt.Sprintf("server rejected sync of %s", requested), nil)
	}

	coll, found := node.GetChildByTag("sync", "collection")
	if !found {
		return nil, protocol.NewProtocolError("sync response missing <collection>", nil)
	}
	resp, err := parseCollection(coll)
	if err != nil {
		return nil, err
	}
	if resp.Collection != requested {
		return nil, protocol.NewProtocolError(
			fmt.Sprintf("sync response for %s, requested %s", resp.Collection, requested), nil)
	}
	resp.RequestID = id

	m.mu.Lock()
	delete(m.pending, id)
	for _, p := range resp.Patches {
		m.buffered = append(m.buffered, clonePatch(p))
	}
	m.mu.Unlock()
	return resp, nil
}

func (m *Manager) clearPending(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func parseCollection(coll protocol.Node) (*SyncResponse, error) {
	t, err := ParseType(coll.AttrString("name"))
	if err != nil {
		return nil, err
	}
	resp := &SyncResponse{
		Collection: t,
		HasMore:    coll.AttrString("has_more_patches") == "true",
	}
	if v := coll.AttrString("version"); v != "" {
		if resp.Version, err = parseUint(coll, "version"); err != nil {
			return nil, err
		}
	}
	if snap, ok := coll.GetChildByTag("snapshot"); ok {
		resp.Snapshot, _ = snap.ContentBytes()
	}
	if patches, ok := coll.GetChildByTag("patches"); ok {
		for _, pn := range patches.GetChildrenByTag("patch") {
			p, err := ParsePatchNode(t, pn)
			if err != nil {
				return nil, err
			}
			resp.Patches = append(resp.Patches, p)
		}
	}
	return resp, nil
}

// PatchNode encodes a patch as a <patch> node.
func PatchNode(p Patch) protocol.Node {
	children := []protocol.Node{
		{Tag: "snapshot_mac", Content: p.SnapshotMAC},
		{Tag: "patch_mac", Content: p.PatchMAC},
	}
	for _, e := range p.Entries {
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
	return protocol.Node{
		Tag: "patch",
		Attrs: protocol.Attrs{
			"version": strconv.FormatUint(p.Version, 10),
			"key_id":  strings.ToUpper(hex.EncodeToString(p.KeyID)),
		},
		Content: children,
	}
}

// ParsePatchNode decodes a <patch> node belonging to collection.
func ParsePatchNode(collection Type, n protocol.Node) (Patch, error) {
	if n.Tag != "patch" {
		return Patch{}, protocol.NewProtocolError(fmt.Sprintf("expected <patch>, got <%s>", n.Tag), nil)
	}
	version, err := parseUint(n, "version")
	if err != nil {
		return Patch{}, err
	}
	keyID, err := hex.DecodeString(n.AttrString("key_id"))
	if err != nil || len(keyID) == 0 {
		return Patch{}, protocol.NewProtocolError("<patch> has invalid key_id", err)
	}

	p := Patch{Collection: collection, Version: version, KeyID: keyID}
	for _, child := range n.GetChildren() {
		switch child.Tag {
		case "snapshot_mac":
			p.SnapshotMAC, _ = child.ContentBytes()
		case "patch_mac":
			p.PatchMAC, _ = child.ContentBytes()
		case "mutation":
			e, err := parseMutation(child)
			if err != nil {
				return Patch{}, err
			}
			p.Entries = append(p.Entries, e)
		}
	}
	if len(p.PatchMAC) == 0 {
		return Patch{}, protocol.NewProtocolError("<patch> missing <patch_mac>", nil)
	}
	return p, nil
}

func parseMutation(n protocol.Node) (Entry, error) {
	name := n.AttrString("name")
	if name == "" {
		return Entry{}, protocol.NewProtocolError("<mutation> missing name", nil)
	}
	version, err := parseUint(n, "version")
	if err != nil {
		return Entry{}, err
	}
	var ts int64
	if v := n.AttrString("t"); v != "" {
		if ts, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Entry{}, protocol.NewProtocolError("<mutation> has invalid t", err)
		}
	}
	data, _ := n.ContentBytes()
	return Entry{
		Name:      name,
		Version:   version,
		Data:      append([]byte(nil), data...),
		Timestamp: ts,
	}, nil
}

func parseUint(n protocol.Node, key string) (uint64, error) {
	v, err := strconv.ParseUint(n.AttrString(key), 10, 64)
	if err != nil {
		return 0, protocol.NewProtocolError(fmt.Sprintf("<%s> has invalid %s", n.Tag, key), err)
	}
	return v, nil
}

// ParseKeyShare extracts sync keys from an <appstate_sync_key_share> node.
// Each <key> child carries its hex id and creation time as attributes and
// the key data as content.
func ParseKeyShare(n protocol.Node) ([]SyncKey, error) {
	if n.Tag != "appstate_sync_key_share" {
		return nil, protocol.NewProtocolError(fmt.Sprintf("expected key share, got <%s>", n.Tag), nil)
	}
	var keys []SyncKey
	for _, kn := range n.GetChildrenByTag("key") {
		id, err := hex.DecodeString(kn.AttrString("id"))
		if err != nil || len(id) == 0 {
			return nil, protocol.NewProtocolError("<key> has invalid id", err)
		}
		data, ok := kn.ContentBytes()
		if !ok || len(data) == 0 {
			return nil, protocol.NewProtocolError("<key> missing data", nil)
		}
		var ts int64
		if v := kn.AttrString("t"); v != "" {
			if ts, err = strconv.ParseInt(v, 10, 64); err != nil {
				return nil, protocol.NewProtocolError("<key> has invalid t", err)
			}
		}
		keys = append(keys, SyncKey{KeyID: id, KeyData: append([]byte(nil), data...), Timestamp: ts})
	}
	return keys, nil
}

// KeyShareNode encodes sync keys for sharing with a companion device.
func KeyShareNode(keys []SyncKey) protocol.Node {
	children := make([]protocol.Node, 0, len(keys))
	for _, k := range keys {
		children = append(children, protocol.Node{
			Tag: "key",
			Attrs: protocol.Attrs{
				"id": strings.ToUpper(hex.EncodeToString(k.KeyID)),
				"t":  strconv.FormatInt(k.Timestamp, 10),
			},
			Content: k.KeyData,
		})
	}
	return protocol.Node{Tag: "appstate_sync_key_share", Content: children}
}

// HandleKeyShare registers every key in a key share node.
func (m *Manager) HandleKeyShare(n protocol.Node) (int, error) {
	keys, err := ParseKeyShare(n)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := m.RegisterKey(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

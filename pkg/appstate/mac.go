package appstate

import (
	"encoding/binary"
	"sort"

	"github.com/ZentaChain/wamd/pkg/crypto"
)

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func appendLenPrefixed(b, v []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func appendEntry(b []byte, e Entry) []byte {
	b = appendLenPrefixed(b, []byte(e.Name))
	b = appendUint64(b, e.Version)
	b = appendLenPrefixed(b, e.Data)
	return appendUint64(b, uint64(e.Timestamp))
}

// patchMACInput is the canonical byte form covered by a patch MAC.
func patchMACInput(p Patch) []byte {
	b := appendLenPrefixed(nil, p.SnapshotMAC)
	b = appendUint64(b, p.Version)
	b = appendLenPrefixed(b, []byte(p.Collection))
	b = binary.BigEndian.AppendUint32(b, uint32(len(p.Entries)))
	for _, e := range p.Entries {
		b = appendEntry(b, e)
	}
	return b
}

// ComputePatchMAC computes the MAC a server attaches to a patch.
func ComputePatchMAC(keys MutationKeys, p Patch) []byte {
	return crypto.HMACSHA256(keys.PatchMAC, patchMACInput(p))
}

// ComputeSnapshotMAC computes the MAC over a state snapshot: the version of
// every collection it covers and its entries, both in name order.
func ComputeSnapshotMAC(keys MutationKeys, versions map[Type]uint64, entries []Entry) []byte {
	collections := make([]Type, 0, len(versions))
	for t := range versions {
		collections = append(collections, t)
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i] < collections[j] })

	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	b := binary.BigEndian.AppendUint32(nil, uint32(len(collections)))
	for _, t := range collections {
		b = appendLenPrefixed(b, []byte(t))
		b = appendUint64(b, versions[t])
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(sorted)))
	for _, e := range sorted {
		b = appendEntry(b, e)
	}
	return crypto.HMACSHA256(keys.SnapshotMAC, b)
}

// SignPatch fills in the patch MAC using the given sync key.
func SignPatch(key SyncKey, p *Patch) error {
	keys, err := ExpandSyncKey(key.KeyData)
	if err != nil {
		return err
	}
	p.KeyID = append([]byte(nil), key.KeyID...)
	p.PatchMAC = ComputePatchMAC(keys, *p)
	return nil
}

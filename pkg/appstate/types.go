// Package appstate keeps the device's copy of the versioned, MAC-protected
// application state collections and synchronizes them with the server.
//
// Patches received from the server are buffered with StorePatch and applied
// in one batch by ApplyPatches. Each patch is verified and merged on its own:
// a patch with an unknown key, a bad MAC or a stale version is dropped whole
// without affecting the rest of the batch.
package appstate

import (
	"fmt"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// Type names a synchronized collection.
type Type string

const (
	TypeRegular            Type = "regular"
	TypeCriticalBlock      Type = "critical_block"
	TypeCriticalUnblockLow Type = "critical_unblock_low"
	TypeRegularHigh        Type = "regular_high"
	TypeRegularLow         Type = "regular_low"
)

// AllTypes lists every collection in the order they are requested at login.
var AllTypes = []Type{
	TypeCriticalBlock,
	TypeCriticalUnblockLow,
	TypeRegularHigh,
	TypeRegular,
	TypeRegularLow,
}

// ParseType validates a wire collection name.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", protocol.NewProtocolError(fmt.Sprintf("unknown app state type %q", s), nil)
}

// Entry is the latest accepted value of one named state item.
type Entry struct {
	Name      string
	Version   uint64
	Data      []byte
	Timestamp int64
}

// Patch is a versioned batch of entries for one collection.
type Patch struct {
	Collection  Type
	Version     uint64
	KeyID       []byte
	SnapshotMAC []byte
	PatchMAC    []byte
	Entries     []Entry
}

// PatchResult reports the outcome of applying one buffered patch.
type PatchResult struct {
	Collection Type
	Version    uint64
	Err        error
}

// Applied reports whether the patch was merged.
func (r PatchResult) Applied() bool {
	return r.Err == nil
}

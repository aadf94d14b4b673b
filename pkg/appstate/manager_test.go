package appstate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

var testKey = SyncKey{
	KeyID:   []byte{0x00, 0x01, 0xAB},
	KeyData: []byte("0123456789abcdef0123456789abcdef"),
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil)
	require.NoError(t, m.RegisterKey(testKey))
	return m
}

func signedPatch(t *testing.T, version uint64, entries ...Entry) Patch {
	t.Helper()
	p := Patch{
		Collection:  TypeRegular,
		Version:     version,
		SnapshotMAC: []byte("snapshot"),
		Entries:     entries,
	}
	require.NoError(t, SignPatch(testKey, &p))
	return p
}

func TestPatchVersionMonotonic(t *testing.T) {
	m := newTestManager(t)
	m.AddEntry(Entry{Name: "settings", Version: 1, Data: []byte("v1")})

	m.StorePatch(signedPatch(t, 2, Entry{Name: "settings", Data: []byte("v2")}))
	results := m.ApplyPatches()
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	v, ok := m.CurrentVersion("settings")
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)

	m.StorePatch(signedPatch(t, 1, Entry{Name: "settings", Data: []byte("old")}))
	results = m.ApplyPatches()
	require.Len(t, results, 1)
	assert.False(t, results[0].Applied())
	assert.True(t, protocol.IsKind(results[0].Err, protocol.KindSync))
	assert.True(t, errors.Is(results[0].Err, protocol.ErrStaleVersion))

	v, _ = m.CurrentVersion("settings")
	assert.Equal(t, uint64(2), v)
	e, _ := m.Entry("settings")
	assert.Equal(t, []byte("v2"), e.Data)
	assert.Equal(t, uint64(2), m.CollectionVersion(TypeRegular))
}

func TestVerifyPatchMAC(t *testing.T) {
	m := newTestManager(t)
	p := signedPatch(t, 3, Entry{Name: "pin", Data: []byte{1, 2, 3}, Timestamp: 1700000000})
	assert.True(t, m.VerifyPatchMAC(p))

	for i := range p.PatchMAC {
		flipped := p
		flipped.PatchMAC = append([]byte(nil), p.PatchMAC...)
		flipped.PatchMAC[i] ^= 0x01
		assert.False(t, m.VerifyPatchMAC(flipped), "flip at byte %d", i)
	}

	tampered := p
	tampered.Entries = []Entry{{Name: "pin", Data: []byte{1, 2, 4}, Timestamp: 1700000000}}
	assert.False(t, m.VerifyPatchMAC(tampered))

	unknown := p
	unknown.KeyID = []byte{0xFF}
	assert.False(t, m.VerifyPatchMAC(unknown))
}

func TestApplyPatchesContinuesAfterRejection(t *testing.T) {
	m := newTestManager(t)

	bad := signedPatch(t, 5, Entry{Name: "mute", Data: []byte("x")})
	bad.PatchMAC[0] ^= 0xFF

	unknown := signedPatch(t, 5, Entry{Name: "star", Data: []byte("x")})
	unknown.KeyID = []byte{0xDE, 0xAD}

	good := signedPatch(t, 4, Entry{Name: "archive", Data: []byte("yes")})

	m.StorePatch(bad)
	m.StorePatch(unknown)
	m.StorePatch(good)
	require.Equal(t, 3, m.BufferedPatches())

	results := m.ApplyPatches()
	require.Len(t, results, 3)
	assert.Equal(t, 0, m.BufferedPatches())

	assert.True(t, protocol.IsKind(results[0].Err, protocol.KindCrypto))
	assert.True(t, errors.Is(results[0].Err, protocol.ErrMACMismatch))
	assert.True(t, protocol.IsKind(results[1].Err, protocol.KindSync))
	assert.True(t, errors.Is(results[1].Err, protocol.ErrUnknownKey))
	assert.True(t, results[2].Applied())

	_, ok := m.Entry("mute")
	assert.False(t, ok)
	_, ok = m.Entry("star")
	assert.False(t, ok)
	e, ok := m.Entry("archive")
	require.True(t, ok)
	assert.Equal(t, uint64(4), e.Version)

	assert.Equal(t, [][]byte{{0xDE, 0xAD}}, m.MissingKeys())
	require.NoError(t, m.RegisterKey(SyncKey{KeyID: []byte{0xDE, 0xAD}, KeyData: []byte("k")}))
	assert.Empty(t, m.MissingKeys())
}

func TestApplyPatchAllOrNothing(t *testing.T) {
	m := newTestManager(t)
	m.AddEntry(Entry{Name: "b", Version: 7, Data: []byte("b7")})

	m.StorePatch(signedPatch(t, 6,
		Entry{Name: "a", Data: []byte("a6")},
		Entry{Name: "b", Data: []byte("b6")},
	))
	results := m.ApplyPatches()
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, protocol.ErrStaleVersion))

	_, ok := m.Entry("a")
	assert.False(t, ok, "no partial merge")
	e, _ := m.Entry("b")
	assert.Equal(t, []byte("b7"), e.Data)
}

type recordingPersister struct {
	entries  []Entry
	versions map[Type]uint64
	keys     []SyncKey
	fail     error
}

func (r *recordingPersister) SavePatch(t Type, v uint64, entries []Entry) error {
	if r.fail != nil {
		return r.fail
	}
	r.entries = append(r.entries, entries...)
	if t != "" {
		if r.versions == nil {
			r.versions = make(map[Type]uint64)
		}
		r.versions[t] = v
	}
	return nil
}

func (r *recordingPersister) ReplaceState(versions map[Type]uint64, entries []Entry) error {
	if r.fail != nil {
		return r.fail
	}
	r.entries = append([]Entry(nil), entries...)
	r.versions = versions
	return nil
}

func (r *recordingPersister) SaveSyncKey(k SyncKey) error {
	r.keys = append(r.keys, k)
	return nil
}

func TestPersister(t *testing.T) {
	t.Run("saves applied state", func(t *testing.T) {
		m := newTestManager(t)
		p := &recordingPersister{}
		m.SetPersister(p)

		m.StorePatch(signedPatch(t, 1, Entry{Name: "label", Data: []byte("work")}))
		results := m.ApplyPatches()
		require.True(t, results[0].Applied())

		require.Len(t, p.entries, 1)
		assert.Equal(t, "label", p.entries[0].Name)
		assert.Equal(t, uint64(1), p.entries[0].Version)
		assert.Equal(t, uint64(1), p.versions[TypeRegular])

		require.NoError(t, m.RegisterKey(SyncKey{KeyID: []byte{9}, KeyData: []byte("nine")}))
		require.Len(t, p.keys, 1)
		assert.NotEmpty(t, p.keys[0].Fingerprint)
	})

	t.Run("failure leaves state untouched", func(t *testing.T) {
		m := newTestManager(t)
		m.SetPersister(&recordingPersister{fail: errors.New("disk full")})

		m.StorePatch(signedPatch(t, 1, Entry{Name: "label", Data: []byte("work")}))
		results := m.ApplyPatches()
		assert.True(t, protocol.IsKind(results[0].Err, protocol.KindSync))
		_, ok := m.Entry("label")
		assert.False(t, ok)
		assert.Equal(t, uint64(0), m.CollectionVersion(TypeRegular))
	})
}

func TestConcurrentApplyAndRead(t *testing.T) {
	m := newTestManager(t)
	for v := uint64(1); v <= 50; v++ {
		m.StorePatch(signedPatch(t, v, Entry{Name: "counter", Data: []byte{byte(v)}}))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.ApplyPatches()
	}()
	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < 100; i++ {
			v, _ := m.CurrentVersion("counter")
			assert.GreaterOrEqual(t, v, last)
			last = v
		}
	}()
	wg.Wait()

	v, _ := m.CurrentVersion("counter")
	assert.Equal(t, uint64(50), v)
}

func TestKeyRegistry(t *testing.T) {
	r := NewKeyRegistry()
	_, ok := r.Latest()
	assert.False(t, ok)

	older := r.Register(SyncKey{KeyID: []byte{1}, KeyData: []byte("one"), Timestamp: 100})
	r.Register(SyncKey{KeyID: []byte{2}, KeyData: []byte("two"), Timestamp: 200})
	assert.Equal(t, 2, r.Len())
	assert.Len(t, older.Fingerprint, 16)

	got, ok := r.Lookup([]byte{1})
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got.KeyData)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, []byte{2}, latest.KeyID)
}

func TestExpandSyncKey(t *testing.T) {
	keys, err := ExpandSyncKey(testKey.KeyData)
	require.NoError(t, err)
	for _, k := range [][]byte{keys.Index, keys.ValueEncryption, keys.ValueMAC, keys.SnapshotMAC, keys.PatchMAC} {
		assert.Len(t, k, 32)
	}
	assert.NotEqual(t, keys.SnapshotMAC, keys.PatchMAC)
}

func TestParseType(t *testing.T) {
	for _, typ := range AllTypes {
		got, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("regular_medium")
	assert.True(t, protocol.IsKind(err, protocol.KindProtocol))
}

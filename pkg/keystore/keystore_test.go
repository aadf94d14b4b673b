package keystore

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

func TestGenerate(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	assert.Equal(t, 0, ks.OneTimeKeyCount())
	assert.False(t, ks.IsValid())
	assert.False(t, ks.IsPaired())

	regID := ks.RegistrationID()
	assert.GreaterOrEqual(t, regID, uint16(1))
	assert.LessOrEqual(t, regID, uint16(MaxRegistrationID))

	assert.True(t, VerifySignedPreKey(ks.SigningPublic(), ks.SignedPreKey()))
	assert.NotEmpty(t, ks.ClientID())
	assert.NotEqual(t, ks.IdentityPublic(), ks.NoiseKey().Public)
}

func TestSignedPreKeySignatureCoversKey(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	spk := ks.SignedPreKey()
	spk.Public[0] ^= 0xFF
	assert.False(t, VerifySignedPreKey(ks.SigningPublic(), spk))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, VerifySignedPreKey(other.SigningPublic(), ks.SignedPreKey()))
}

func TestOneTimeKeys(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	id1, err := ks.AddOneTimeKey()
	require.NoError(t, err)
	id2, err := ks.AddOneTimeKey()
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
	assert.Equal(t, 2, ks.OneTimeKeyCount())

	key, ok := ks.OneTimeKey(id1)
	require.True(t, ok)
	assert.Equal(t, id1, key.KeyID)

	ks.RemoveUsedKey(id1)
	ks.RemoveUsedKey(id1)
	_, ok = ks.OneTimeKey(id1)
	assert.False(t, ok)
	assert.Equal(t, 1, ks.OneTimeKeyCount())

	id3, err := ks.AddOneTimeKey()
	require.NoError(t, err)
	assert.Greater(t, id3, id2, "ids are never reused")

	_, ok = ks.OneTimeKey(9999)
	assert.False(t, ok)
}

func TestAddOneTimeKeysConcurrently(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make(chan uint32, 100)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ks.AddOneTimeKeys(10)
			assert.NoError(t, err)
			for _, id := range got {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 100)
	assert.Equal(t, 100, ks.OneTimeKeyCount())
}

func TestUpdateKeys(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	err = ks.UpdateKeys(make([]byte, 31), make([]byte, 32))
	assert.True(t, protocol.IsKind(err, protocol.KindCrypto))
	assert.False(t, ks.IsValid())

	enc := bytes.Repeat([]byte{1}, 32)
	mac := bytes.Repeat([]byte{2}, 32)
	require.NoError(t, ks.UpdateKeys(enc, mac))
	assert.True(t, ks.IsValid())

	gotEnc, gotMac, ok := ks.Keys()
	require.True(t, ok)
	assert.Equal(t, enc, gotEnc)
	assert.Equal(t, mac, gotMac)

	gotEnc[0] = 0xFF
	again, _, _ := ks.Keys()
	assert.Equal(t, byte(1), again[0], "Keys returns copies")
}

func TestRotateSignedPreKey(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	before := ks.SignedPreKey()
	id, err := ks.RotateSignedPreKey()
	require.NoError(t, err)
	assert.Equal(t, before.KeyID+1, id)
	assert.NotEqual(t, before.Public, ks.SignedPreKey().Public)
	assert.True(t, VerifySignedPreKey(ks.SigningPublic(), ks.SignedPreKey()))
}

func TestSnapshotRestore(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)
	_, err = ks.AddOneTimeKeys(3)
	require.NoError(t, err)
	ks.RemoveUsedKey(3)
	require.NoError(t, ks.UpdateKeys(bytes.Repeat([]byte{7}, 32), bytes.Repeat([]byte{8}, 32)))
	ks.SetAuthTokens([]byte("client"), []byte("server"))
	ks.SetIdentity(protocol.NewJID("1234", protocol.DefaultUserServer), "Jane")

	restored, err := Restore(ks.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, ks.IdentityPublic(), restored.IdentityPublic())
	assert.Equal(t, ks.NoiseKey(), restored.NoiseKey())
	assert.Equal(t, ks.SignedPreKey(), restored.SignedPreKey())
	assert.Equal(t, ks.SigningPublic(), restored.SigningPublic())
	assert.Equal(t, ks.RegistrationID(), restored.RegistrationID())
	assert.Equal(t, ks.ClientID(), restored.ClientID())
	assert.Equal(t, ks.AdvSecret(), restored.AdvSecret())
	assert.Equal(t, 2, restored.OneTimeKeyCount())
	assert.True(t, restored.IsValid())
	assert.Equal(t, "1234@s.whatsapp.net", restored.JID().String())
	assert.Equal(t, "Jane", restored.PushName())

	clientToken, serverToken := restored.AuthTokens()
	assert.Equal(t, []byte("client"), clientToken)
	assert.Equal(t, []byte("server"), serverToken)

	id, err := restored.AddOneTimeKey()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)
}

func TestRestoreRejectsBadState(t *testing.T) {
	ks, err := Generate()
	require.NoError(t, err)

	st := ks.Snapshot()
	st.IdentityPrivate = st.IdentityPrivate[:10]
	_, err = Restore(st)
	assert.Error(t, err)

	st = ks.Snapshot()
	st.RegistrationID = MaxRegistrationID + 1
	_, err = Restore(st)
	assert.Error(t, err)

	st = ks.Snapshot()
	st.EncryptionKey = []byte{1}
	_, err = Restore(st)
	assert.Error(t, err)
}

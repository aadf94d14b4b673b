package handshake_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/wamd/pkg/handshake"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

func cipherPair(t *testing.T) (*handshake.Cipher, *handshake.Cipher) {
	t.Helper()
	ks, err := keystore.Generate()
	require.NoError(t, err)
	require.NoError(t, ks.UpdateKeys(bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 32)))

	client, err := handshake.NewCipher(ks, handshake.RoleClient)
	require.NoError(t, err)
	server, err := handshake.NewCipher(ks, handshake.RoleServer)
	require.NoError(t, err)
	return client, server
}

func TestCipherRoundTrip(t *testing.T) {
	client, server := cipherPair(t)

	for i := 0; i < 3; i++ {
		frame, err := client.Seal([]byte("ping"))
		require.NoError(t, err)
		pt, err := server.Open(frame)
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), pt)

		reply, err := server.Seal([]byte("pong"))
		require.NoError(t, err)
		pt, err = client.Open(reply)
		require.NoError(t, err)
		assert.Equal(t, []byte("pong"), pt)
	}
}

func TestCipherDirectionsDoNotShareNonces(t *testing.T) {
	client, server := cipherPair(t)

	a, err := client.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := server.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = client.Open(a)
	assert.True(t, protocol.IsKind(err, protocol.KindCrypto), "own frames must not verify")
}

func TestCipherRejectsTamperedFrames(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(frame []byte) []byte
		kind   protocol.Kind
	}{
		{"mac byte", func(f []byte) []byte { f[0] ^= 1; return f }, protocol.KindCrypto},
		{"ciphertext byte", func(f []byte) []byte { f[len(f)-1] ^= 1; return f }, protocol.KindCrypto},
		{"truncated", func(f []byte) []byte { return f[:10] }, protocol.KindFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := cipherPair(t)
			frame, err := client.Seal([]byte("payload"))
			require.NoError(t, err)

			_, err = server.Open(tt.mutate(frame))
			assert.True(t, protocol.IsKind(err, tt.kind), "error = %v", err)
		})
	}
}

func TestCipherMACMismatchDoesNotAdvance(t *testing.T) {
	client, server := cipherPair(t)
	frame, err := client.Seal([]byte("first"))
	require.NoError(t, err)

	bad := append([]byte(nil), frame...)
	bad[5] ^= 0xFF
	_, err = server.Open(bad)
	assert.ErrorIs(t, err, protocol.ErrMACMismatch)

	pt, err := server.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), pt)
}

func TestCipherReplayRejected(t *testing.T) {
	client, server := cipherPair(t)
	frame, err := client.Seal([]byte("once"))
	require.NoError(t, err)

	_, err = server.Open(frame)
	require.NoError(t, err)
	_, err = server.Open(frame)
	assert.True(t, protocol.IsKind(err, protocol.KindCrypto))
}

func TestCipherNodes(t *testing.T) {
	client, server := cipherPair(t)
	node := protocol.Node{Tag: "iq", Attrs: protocol.Attrs{"id": "1", "type": "get"}}

	frame, err := client.SealNode(node)
	require.NoError(t, err)
	got, err := server.OpenNode(frame)
	require.NoError(t, err)
	assert.Equal(t, node.Attrs, got.Attrs)
}

func TestCipherConcurrentDirections(t *testing.T) {
	client, server := cipherPair(t)

	toServer := make([][]byte, 50)
	for i := range toServer {
		f, err := client.Seal([]byte{byte(i)})
		require.NoError(t, err)
		toServer[i] = f
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i, f := range toServer {
			pt, err := server.Open(f)
			assert.NoError(t, err)
			assert.Equal(t, []byte{byte(i)}, pt)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := client.Seal([]byte("more"))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
}

func TestNewCipherRequiresKeys(t *testing.T) {
	ks, err := keystore.Generate()
	require.NoError(t, err)
	_, err = handshake.NewCipher(ks, handshake.RoleClient)
	assert.True(t, protocol.IsKind(err, protocol.KindCrypto))
}

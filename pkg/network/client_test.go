package network

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/wamd/pkg/appstate"
	"github.com/ZentaChain/wamd/pkg/handshake"
	"github.com/ZentaChain/wamd/pkg/handshake/handshaketest"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

// pipeTransport is one end of an in-memory message pipe.
type pipeTransport struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func newPipe() (*pipeTransport, *pipeTransport) {
	a, b := make(chan []byte, 64), make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeTransport{in: a, out: b, done: done, once: once},
		&pipeTransport{in: b, out: a, done: done, once: once}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(data []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- append([]byte(nil), data...):
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// fakeServer is the server end of one connection.
type fakeServer struct {
	t      *testing.T
	socket *FrameSocket
	cipher *handshake.Cipher
	hs     *handshaketest.Server
	nodes  chan protocol.Node
}

func (s *fakeServer) accept() {
	hello, err := s.socket.ReadFrame()
	require.NoError(s.t, err)
	raw, err := handshake.ParseClientHello(hello)
	require.NoError(s.t, err)
	sh, err := s.hs.RespondHello(raw)
	require.NoError(s.t, err)
	require.NoError(s.t, s.socket.SendFrame(sh.Marshal()))

	finish, err := s.socket.ReadFrame()
	require.NoError(s.t, err)
	rawFinish, err := handshake.ParseClientFinish(finish)
	require.NoError(s.t, err)
	_, err = s.hs.ReceiveFinish(rawFinish)
	require.NoError(s.t, err)

	serverKeys, err := keystore.Generate()
	require.NoError(s.t, err)
	traffic := s.hs.TrafficKeys()
	require.NoError(s.t, serverKeys.UpdateKeys(traffic[:32], traffic[32:64]))
	s.cipher, err = handshake.NewCipher(serverKeys, handshake.RoleServer)
	require.NoError(s.t, err)

	go func() {
		defer close(s.nodes)
		for {
			frame, err := s.socket.ReadFrame()
			if err != nil {
				return
			}
			n, err := s.cipher.OpenNode(frame)
			if err != nil {
				return
			}
			s.nodes <- n
		}
	}()
}

func (s *fakeServer) send(n protocol.Node) {
	frame, err := s.cipher.SealNode(n)
	require.NoError(s.t, err)
	require.NoError(s.t, s.socket.SendFrame(frame))
}

func (s *fakeServer) next() protocol.Node {
	select {
	case n, ok := <-s.nodes:
		require.True(s.t, ok, "connection closed")
		return n
	case <-time.After(5 * time.Second):
		s.t.Fatal("timed out waiting for client node")
		return protocol.Node{}
	}
}

type memoryStore struct {
	mu       sync.Mutex
	saved    []keystore.State
	uploaded []uint32
}

func (m *memoryStore) SaveKeyStore(st keystore.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, st)
	return nil
}

func (m *memoryStore) MarkPreKeysUploaded(ids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploaded = append(m.uploaded, ids...)
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func connectTestClient(t *testing.T, ks *keystore.KeyStore) (*Client, *fakeServer, <-chan AuthChallenge, *memoryStore) {
	t.Helper()
	hs, err := handshaketest.NewServer()
	require.NoError(t, err)

	clientEnd, serverEnd := newPipe()
	srv := &fakeServer{t: t, socket: NewServerFrameSocket(serverEnd), hs: hs, nodes: make(chan protocol.Node, 16)}

	store := &memoryStore{}
	c := New(Config{
		RootKey: hs.RootPublic(),
		Dial:    func(context.Context) (Transport, error) { return clientEnd, nil },
	}, ks, store)

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		srv.accept()
	}()

	challenges, err := c.Connect(context.Background())
	require.NoError(t, err)
	<-accepted
	t.Cleanup(func() { c.Disconnect() })
	return c, srv, challenges, store
}

func newKeyStore(t *testing.T) *keystore.KeyStore {
	t.Helper()
	ks, err := keystore.Generate()
	require.NoError(t, err)
	return ks
}

func TestConnectHandshake(t *testing.T) {
	ks := newKeyStore(t)
	c, _, _, store := connectTestClient(t, ks)

	assert.True(t, c.IsConnected())
	assert.True(t, ks.IsValid())
	assert.Equal(t, 1, store.count())

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectRejectsUntrustedServer(t *testing.T) {
	hs, err := handshaketest.NewServer()
	require.NoError(t, err)
	other, err := handshaketest.NewServer()
	require.NoError(t, err)

	clientEnd, serverEnd := newPipe()
	srvSocket := NewServerFrameSocket(serverEnd)
	go func() {
		hello, err := srvSocket.ReadFrame()
		if err != nil {
			return
		}
		raw, err := handshake.ParseClientHello(hello)
		if err != nil {
			return
		}
		sh, err := hs.RespondHello(raw)
		if err != nil {
			return
		}
		srvSocket.SendFrame(sh.Marshal())
	}()

	c := New(Config{
		RootKey: other.RootPublic(),
		Dial:    func(context.Context) (Transport, error) { return clientEnd, nil },
	}, newKeyStore(t), nil)

	_, err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindCrypto), "got %v", err)
	assert.False(t, c.IsConnected())
}

func TestSendIQ(t *testing.T) {
	c, srv, _, _ := connectTestClient(t, newKeyStore(t))

	type result struct {
		node protocol.Node
		err  error
	}
	results := make(chan result, 1)
	go func() {
		n, err := c.SendIQ(context.Background(), protocol.Node{
			Tag:   "iq",
			Attrs: protocol.Attrs{"type": "get", "xmlns": "w:p"},
		})
		results <- result{n, err}
	}()

	req := srv.next()
	require.Equal(t, "iq", req.Tag)
	id := req.AttrString("id")
	require.NotEmpty(t, id)
	srv.send(protocol.Node{Tag: "iq", Attrs: protocol.Attrs{"id": id, "type": "result"}})

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, id, res.node.AttrString("id"))

	go func() {
		n, err := c.SendIQ(context.Background(), protocol.Node{Tag: "iq", Attrs: protocol.Attrs{"type": "set"}})
		results <- result{n, err}
	}()
	req = srv.next()
	srv.send(protocol.Node{
		Tag:     "iq",
		Attrs:   protocol.Attrs{"id": req.AttrString("id"), "type": "error"},
		Content: []protocol.Node{{Tag: "error", Attrs: protocol.Attrs{"code": "404", "text": "item-not-found"}}},
	})
	res = <-results
	var iqErr *IQError
	require.True(t, errors.As(res.err, &iqErr))
	assert.Equal(t, 404, iqErr.Code)
	assert.Equal(t, "item-not-found", iqErr.Text)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SendIQ(ctx, protocol.Node{Tag: "iq", Attrs: protocol.Attrs{"type": "get"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.SendIQ(ctx, protocol.Node{Tag: "message"})
	assert.True(t, protocol.IsKind(err, protocol.KindProtocol))
}

func TestPairDeviceEmitsQRChallenges(t *testing.T) {
	ks := newKeyStore(t)
	c, srv, challenges, store := connectTestClient(t, ks)

	srv.send(protocol.Node{
		Tag:   "iq",
		Attrs: protocol.Attrs{"id": "pair-1", "type": "set", "from": protocol.DefaultUserServer},
		Content: []protocol.Node{{
			Tag: "pair-device",
			Content: []protocol.Node{
				{Tag: "ref", Content: []byte("2@first")},
				{Tag: "ref", Content: []byte("2@second")},
			},
		}},
	})

	ack := srv.next()
	assert.Equal(t, "pair-1", ack.AttrString("id"))
	assert.Equal(t, "result", ack.AttrString("type"))

	for _, ref := range []string{"2@first", "2@second"} {
		ch := <-challenges
		qr, ok := ch.(QRChallenge)
		require.True(t, ok)
		parts := strings.Split(qr.Payload, ",")
		require.Len(t, parts, 4)
		assert.Equal(t, ref, parts[0])
		noise := ks.NoiseKey()
		assert.Equal(t, base64.StdEncoding.EncodeToString(noise.Public[:]), parts[1])
	}

	paired := make(chan protocol.JID, 1)
	c.OnPaired = func(j protocol.JID) { paired <- j }
	srv.send(protocol.Node{
		Tag:   "iq",
		Attrs: protocol.Attrs{"id": "pair-2", "type": "set"},
		Content: []protocol.Node{{
			Tag: "pair-success",
			Content: []protocol.Node{
				{Tag: "device", Attrs: protocol.Attrs{"jid": "15551234567@s.whatsapp.net"}},
				{Tag: "client_token", Content: []byte("ctok")},
				{Tag: "server_token", Content: []byte("stok")},
			},
		}},
	})
	assert.Equal(t, "pair-2", srv.next().AttrString("id"))

	jid := <-paired
	assert.Equal(t, protocol.NewJID("15551234567", protocol.DefaultUserServer), jid)
	assert.True(t, ks.IsPaired())
	clientToken, serverToken := ks.AuthTokens()
	assert.Equal(t, []byte("ctok"), clientToken)
	assert.Equal(t, []byte("stok"), serverToken)
	assert.Equal(t, 2, store.count())
}

func TestRequestPairingCode(t *testing.T) {
	c, srv, challenges, _ := connectTestClient(t, newKeyStore(t))

	codes := make(chan string, 1)
	go func() {
		code, err := c.RequestPairingCode(context.Background(), "+1 (555) 123-4567")
		assert.NoError(t, err)
		codes <- code
	}()

	req := srv.next()
	reg, ok := req.GetChildByTag("link_code_companion_reg")
	require.True(t, ok)
	jid, err := reg.AttrJID("jid")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", jid.User)
	srv.send(protocol.Node{Tag: "iq", Attrs: protocol.Attrs{"id": req.AttrString("id"), "type": "result"}})

	code := <-codes
	assert.Regexp(t, `^\d{3}-\d{3}-\d{3}$`, code)
	ch := <-challenges
	assert.Equal(t, PairingCodeChallenge{Code: code, Phone: "15551234567"}, ch)

	_, err = c.RequestPairingCode(context.Background(), "12")
	assert.Error(t, err)
}

func TestAppStateSyncAfterLogin(t *testing.T) {
	ks := newKeyStore(t)
	ks.SetIdentity(protocol.NewJID("15551234567", protocol.DefaultUserServer), "tester")

	key := appstate.SyncKey{KeyID: []byte{0x01}, KeyData: []byte("shared sync key")}
	hs, err := handshaketest.NewServer()
	require.NoError(t, err)
	clientEnd, serverEnd := newPipe()
	srv := &fakeServer{t: t, socket: NewServerFrameSocket(serverEnd), hs: hs, nodes: make(chan protocol.Node, 16)}

	c := New(Config{
		RootKey:       hs.RootPublic(),
		AppStateTypes: []appstate.Type{appstate.TypeRegular},
		Dial:          func(context.Context) (Transport, error) { return clientEnd, nil },
	}, ks, nil)
	require.NoError(t, c.AppState().RegisterKey(key))

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		srv.accept()
	}()
	_, err = c.Connect(context.Background())
	require.NoError(t, err)
	<-accepted
	defer c.Disconnect()

	srv.send(protocol.Node{Tag: "success", Attrs: protocol.Attrs{"t": "1700000000"}})

	req := srv.next()
	coll, ok := req.GetChildByTag("sync", "collection")
	require.True(t, ok)
	assert.Equal(t, "regular", coll.AttrString("name"))

	assert.Equal(t, "true", coll.AttrString("return_snapshot"))

	snapshot, err := appstate.EncodeSnapshot(c.AppState().Keys(),
		map[appstate.Type]uint64{appstate.TypeRegular: 1},
		[]appstate.Entry{{Name: "theme", Version: 1, Data: []byte("blue"), Timestamp: 4}})
	require.NoError(t, err)
	patch := appstate.Patch{
		Collection: appstate.TypeRegular,
		Version:    2,
		Entries:    []appstate.Entry{{Name: "settings", Data: []byte("dark"), Timestamp: 5}},
	}
	require.NoError(t, appstate.SignPatch(key, &patch))
	srv.send(protocol.Node{
		Tag:   "iq",
		Attrs: protocol.Attrs{"id": req.AttrString("id"), "type": "result"},
		Content: []protocol.Node{{
			Tag: "sync",
			Content: []protocol.Node{{
				Tag:   "collection",
				Attrs: protocol.Attrs{"name": "regular", "version": "2"},
				Content: []protocol.Node{
					{Tag: "snapshot", Content: snapshot},
					{Tag: "patches", Content: []protocol.Node{appstate.PatchNode(patch)}},
				},
			}},
		}},
	})

	require.Eventually(t, func() bool {
		v, ok := c.AppState().CurrentVersion("settings")
		return ok && v == 2
	}, 5*time.Second, 10*time.Millisecond)
	theme, ok := c.AppState().Entry("theme")
	require.True(t, ok)
	assert.Equal(t, []byte("blue"), theme.Data)
	assert.Equal(t, uint64(2), c.AppState().CollectionVersion(appstate.TypeRegular))
	assert.True(t, c.IsAuthenticated())
}

func TestStreamErrorClosesConnection(t *testing.T) {
	c, srv, challenges, _ := connectTestClient(t, newKeyStore(t))

	disconnected := make(chan error, 1)
	c.OnDisconnect = func(err error) { disconnected <- err }
	done := c.Done()

	srv.send(protocol.Node{Tag: "stream:error", Attrs: protocol.Attrs{"code": "515"}})

	err := <-disconnected
	assert.ErrorIs(t, err, ErrStreamFailure)
	<-done
	_, open := <-challenges
	assert.False(t, open)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Err(), ErrStreamFailure)
	assert.ErrorIs(t, c.SendNode(protocol.Node{Tag: "presence"}), ErrNotConnected)
}

func TestTamperedFrameClosesConnection(t *testing.T) {
	c, srv, _, _ := connectTestClient(t, newKeyStore(t))
	done := c.Done()

	frame, err := srv.cipher.SealNode(protocol.Node{Tag: "presence"})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF
	require.NoError(t, srv.socket.SendFrame(frame))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection stayed open")
	}
	assert.True(t, protocol.IsKind(c.Err(), protocol.KindCrypto))
}

func TestPresenceAndReceipts(t *testing.T) {
	c, srv, _, _ := connectTestClient(t, newKeyStore(t))
	chat := protocol.NewJID("15550001111", protocol.DefaultUserServer)

	require.NoError(t, c.SendPresence(PresenceAvailable))
	assert.Equal(t, "available", srv.next().AttrString("type"))
	assert.Error(t, c.SendPresence("busy"))

	require.NoError(t, c.SendChatState(chat, ChatStateRecording))
	cs := srv.next()
	assert.Equal(t, "chatstate", cs.Tag)
	child, ok := cs.GetChildByTag("composing")
	require.True(t, ok)
	assert.Equal(t, "audio", child.AttrString("media"))

	require.NoError(t, c.SendReceipt(chat, "read", "A1", "A2", "A3"))
	rc := srv.next()
	assert.Equal(t, "A1", rc.AttrString("id"))
	list, ok := rc.GetChildByTag("list")
	require.True(t, ok)
	assert.Len(t, list.GetChildrenByTag("item"), 2)

	presences := make(chan PresenceEvent, 1)
	receipts := make(chan ReceiptEvent, 1)
	c.OnPresence = func(ev PresenceEvent) { presences <- ev }
	c.OnReceipt = func(ev ReceiptEvent) { receipts <- ev }

	srv.send(protocol.Node{Tag: "presence", Attrs: protocol.Attrs{"from": chat.String(), "type": "unavailable", "last": "1700000000"}})
	ev := <-presences
	assert.Equal(t, chat, ev.From)
	assert.Equal(t, PresenceUnavailable, ev.Status)
	assert.Equal(t, int64(1700000000), ev.LastSeen.Unix())

	srv.send(protocol.Node{Tag: "receipt", Attrs: protocol.Attrs{"from": chat.String(), "id": "B1", "type": "read"}})
	ack := srv.next()
	assert.Equal(t, "ack", ack.Tag)
	assert.Equal(t, "receipt", ack.AttrString("class"))
	rev := <-receipts
	assert.Equal(t, []string{"B1"}, rev.MessageIDs)
}

func TestUploadPreKeys(t *testing.T) {
	ks := newKeyStore(t)
	c, srv, _, store := connectTestClient(t, ks)

	type result struct {
		ids []uint32
		err error
	}
	results := make(chan result, 1)
	go func() {
		ids, err := c.UploadPreKeys(context.Background(), 3)
		results <- result{ids, err}
	}()

	req := srv.next()
	assert.Equal(t, "encrypt", req.AttrString("xmlns"))
	list, ok := req.GetChildByTag("list")
	require.True(t, ok)
	keys := list.GetChildrenByTag("key")
	require.Len(t, keys, 3)
	id, ok := keys[0].GetChildByTag("id")
	require.True(t, ok)
	idBytes, _ := id.ContentBytes()
	assert.Len(t, idBytes, 3)
	skey, ok := req.GetChildByTag("skey", "signature")
	require.True(t, ok)
	sig, _ := skey.ContentBytes()
	assert.Len(t, sig, keystore.SignatureSize)

	srv.send(protocol.Node{Tag: "iq", Attrs: protocol.Attrs{"id": req.AttrString("id"), "type": "result"}})
	res := <-results
	require.NoError(t, res.err)
	assert.Len(t, res.ids, 3)
	assert.Equal(t, 3, ks.OneTimeKeyCount())

	store.mu.Lock()
	assert.ElementsMatch(t, res.ids, store.uploaded)
	store.mu.Unlock()

	_, err := c.UploadPreKeys(context.Background(), 0)
	assert.Error(t, err)
}

// Package network connects a device to the chat server: it dials the
// websocket, runs the handshake, and then exchanges encrypted binary nodes.
//
// Any handshake, MAC or decoding failure closes the connection. Reconnecting
// is left to the caller.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/appstate"
	"github.com/ZentaChain/wamd/pkg/handshake"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/log"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrConnectionClosed = errors.New("connection closed")
)

// Config holds the connection settings.
type Config struct {
	ServerURL   string
	Origin      string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	// WriteTimeout bounds every websocket write.
	WriteTimeout time.Duration

	// RootKey verifies the server certificate.
	RootKey            []byte
	InsecureSkipVerify bool

	// AppStateTypes are synced after login. Empty means all types.
	AppStateTypes []appstate.Type

	// PreKeyBatch one-time pre-keys are uploaded at login when the store
	// has none. Zero disables the upload.
	PreKeyBatch int

	// KeepaliveInterval between pings. Zero disables keepalive.
	KeepaliveInterval time.Duration

	// Dial overrides the websocket dialer.
	Dial func(ctx context.Context) (Transport, error)
}

// DeviceStore persists the key store after it changes.
type DeviceStore interface {
	SaveKeyStore(keystore.State) error
}

// Client is one connection to the server.
type Client struct {
	cfg      Config
	keys     *keystore.KeyStore
	store    DeviceStore
	appState *appstate.Manager
	logger   *zap.Logger

	connMu sync.Mutex
	socket *FrameSocket
	cipher *handshake.Cipher
	done   chan struct{}

	writeMu sync.Mutex

	connected     atomic.Bool
	authenticated atomic.Bool
	closeErr      atomic.Pointer[error]

	challenges chan AuthChallenge

	waitersMu sync.Mutex
	waiters   map[string]chan protocol.Node

	// Callbacks
	OnPresence   func(PresenceEvent)
	OnChatState  func(ChatStateEvent)
	OnReceipt    func(ReceiptEvent)
	OnPaired     func(protocol.JID)
	OnDisconnect func(error)
	OnNode       func(protocol.Node)
}

// New creates a client. store may be nil, in which case key store changes
// are not persisted.
func New(cfg Config, ks *keystore.KeyStore, store DeviceStore) *Client {
	if len(cfg.AppStateTypes) == 0 {
		cfg.AppStateTypes = appstate.AllTypes
	}
	return &Client{
		cfg:      cfg,
		keys:     ks,
		store:    store,
		appState: appstate.NewManager(nil),
		logger:   log.Named("network"),
		waiters:  make(map[string]chan protocol.Node),
	}
}

// AppState returns the app state manager fed by this connection.
func (c *Client) AppState() *appstate.Manager {
	return c.appState
}

// KeyStore returns the device key store.
func (c *Client) KeyStore() *keystore.KeyStore {
	return c.keys
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// IsAuthenticated reports whether the server accepted the login.
func (c *Client) IsAuthenticated() bool {
	return c.authenticated.Load()
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.done
}

// Err returns the error that closed the last connection, if any.
func (c *Client) Err() error {
	if p := c.closeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (Transport, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx)
	}
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	return DialWebsocket(ctx, c.cfg.ServerURL, c.cfg.Origin, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
}

// Connect dials the server, runs the handshake and starts the receive loop.
// Unpaired devices receive pairing challenges on the returned channel, which
// is closed when the connection ends.
func (c *Client) Connect(ctx context.Context) (<-chan AuthChallenge, error) {
	if !c.connected.CompareAndSwap(false, true) {
		return nil, ErrAlreadyConnected
	}

	transport, err := c.dial(ctx)
	if err != nil {
		c.connected.Store(false)
		return nil, err
	}

	socket := NewFrameSocket(transport, protocol.ConnHeader)
	stop := context.AfterFunc(ctx, func() { transport.Close() })
	cipher, err := c.doHandshake(socket)
	stop()
	if err != nil {
		transport.Close()
		c.connected.Store(false)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	c.persistKeys()

	done := make(chan struct{})
	challenges := make(chan AuthChallenge, 8)

	c.connMu.Lock()
	c.socket = socket
	c.cipher = cipher
	c.done = done
	c.challenges = challenges
	c.connMu.Unlock()
	c.closeErr.Store(nil)

	c.logger.Info("connected", zap.String("server", c.cfg.ServerURL), zap.Bool("paired", c.keys.IsPaired()))

	go c.receiveLoop(socket, cipher, done)
	if c.cfg.KeepaliveInterval > 0 {
		go c.keepaliveLoop(done)
	}
	return challenges, nil
}

// doHandshake performs the handshake over socket and returns the traffic
// cipher.
func (c *Client) doHandshake(socket *FrameSocket) (*handshake.Cipher, error) {
	engine := handshake.NewEngine(c.keys, handshake.Config{
		RootKey:            c.cfg.RootKey,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	})

	hello, err := engine.StartHandshake()
	if err != nil {
		return nil, err
	}
	if err := socket.SendFrame(handshake.WrapClientHello(hello)); err != nil {
		return nil, fmt.Errorf("%w: send client hello: %w", ErrHandshakeFailed, err)
	}

	resp, err := socket.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: read server hello: %w", ErrHandshakeFailed, err)
	}
	serverHello, err := handshake.ParseServerHello(resp)
	if err != nil {
		return nil, err
	}

	finish, err := engine.ProcessServerHello(serverHello)
	if err != nil {
		return nil, err
	}
	wrapped, err := handshake.WrapClientFinish(finish)
	if err != nil {
		return nil, err
	}
	if err := socket.SendFrame(wrapped); err != nil {
		return nil, fmt.Errorf("%w: send client finish: %w", ErrHandshakeFailed, err)
	}

	trafficKeys, err := engine.TrafficKeys()
	if err != nil {
		return nil, err
	}
	if err := engine.FinalizeHandshake(trafficKeys); err != nil {
		return nil, err
	}
	return handshake.NewCipher(c.keys, handshake.RoleClient)
}

func (c *Client) persistKeys() {
	if c.store == nil {
		return
	}
	if err := c.store.SaveKeyStore(c.keys.Snapshot()); err != nil {
		c.logger.Error("failed to persist key store", zap.Error(err))
	}
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.closeWithError(nil)
	return nil
}

// closeWithError tears down the current connection once. Waiters and the
// challenge channel are released.
func (c *Client) closeWithError(err error) {
	c.connMu.Lock()
	socket, done, challenges := c.socket, c.done, c.challenges
	c.socket, c.cipher, c.challenges = nil, nil, nil
	c.connMu.Unlock()
	if socket == nil {
		return
	}

	if err != nil {
		c.closeErr.Store(&err)
		c.logger.Warn("connection closed", zap.Error(err))
	} else {
		c.logger.Info("disconnected")
	}

	socket.Close()
	c.connected.Store(false)
	c.authenticated.Store(false)
	close(done)
	close(challenges)

	c.waitersMu.Lock()
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.waitersMu.Unlock()

	if c.OnDisconnect != nil {
		c.OnDisconnect(err)
	}
}

// emitChallenge delivers an auth challenge unless the connection is gone.
func (c *Client) emitChallenge(ch AuthChallenge) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.challenges == nil {
		return
	}
	select {
	case c.challenges <- ch:
	default:
		c.logger.Warn("dropping auth challenge, consumer is not reading")
	}
}

func (c *Client) keepaliveLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeepaliveInterval)
		_, err := c.SendIQ(ctx, protocol.Node{
			Tag:     "iq",
			Attrs:   protocol.Attrs{"type": "get", "xmlns": "w:p", "to": protocol.DefaultUserServer},
			Content: []protocol.Node{{Tag: "ping"}},
		})
		cancel()
		if err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("keepalive ping failed", zap.Error(err))
		}
	}
}

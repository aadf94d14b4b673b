// Package handshake drives the three-message key exchange that secures a
// connection and provides the traffic cipher used once it completes.
//
//	Idle -> ClientHelloSent -> ServerHelloReceived -> HandshakeComplete
//
// Steps only move forward. Calling a step out of order, or while another
// step is running, returns a protocol error. A failed step leaves the engine
// in the Failed state; a new engine is needed for a new connection.
package handshake

import (
	"bytes"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ZentaChain/wamd/pkg/crypto"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

// Message type prefixes
const (
	MsgClientHello  byte = 0x01
	MsgClientFinish byte = 0x02
)

const (
	// CombinedSecretSize is the HKDF expansion length of the combined secret.
	CombinedSecretSize = 112

	// TrafficKeysSize is the minimum input to FinalizeHandshake.
	TrafficKeysSize = 64

	payloadKeyEnd = 32
	payloadAADEnd = 48
)

var handshakeInfo = []byte("WA Handshake")

// State is the handshake progress.
type State int32

const (
	StateIdle State = iota
	StateClientHelloSent
	StateServerHelloReceived
	StateComplete
	StateFailed

	stateBusy State = -1
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateClientHelloSent:
		return "ClientHelloSent"
	case StateServerHelloReceived:
		return "ServerHelloReceived"
	case StateComplete:
		return "HandshakeComplete"
	case StateFailed:
		return "Failed"
	case stateBusy:
		return "Busy"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Config controls certificate validation.
type Config struct {
	// RootKey is the Ed25519 public key that signs server certificates.
	RootKey []byte
	// InsecureSkipVerify skips the certificate signature check. The
	// certificate must still name the server's static key.
	InsecureSkipVerify bool
	// Now is used for certificate expiry; defaults to time.Now.
	Now func() time.Time
}

// Engine is one handshake attempt. It is not reusable.
type Engine struct {
	state atomic.Int32

	keys   *keystore.KeyStore
	config Config

	ephemeral    *crypto.KeyPair
	serverStatic []byte
	combined     []byte
}

// NewEngine creates an engine that reads its static key from ks and writes
// the negotiated keys back into it.
func NewEngine(ks *keystore.KeyStore, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{keys: ks, config: cfg}
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// enter claims the engine for a step that requires state from.
func (e *Engine) enter(step string, from State) error {
	if !e.state.CompareAndSwap(int32(from), int32(stateBusy)) {
		return protocol.NewProtocolError(
			fmt.Sprintf("%s requires state %s, engine is %s", step, from, e.State()), protocol.ErrInvalidState)
	}
	return nil
}

// leave records the outcome of a step.
func (e *Engine) leave(next State, err error) {
	if err != nil {
		e.state.Store(int32(StateFailed))
		return
	}
	e.state.Store(int32(next))
}

// StartHandshake generates the ephemeral key and returns the ClientHello:
// 0x01 followed by the 32-byte ephemeral public key.
func (e *Engine) StartHandshake() (msg []byte, err error) {
	if err := e.enter("start_handshake", StateIdle); err != nil {
		return nil, err
	}
	defer func() { e.leave(StateClientHelloSent, err) }()

	e.ephemeral, err = crypto.GenerateKeyPair()
	if err != nil {
		return nil, protocol.NewCryptoError("ephemeral key generation", err)
	}

	msg = make([]byte, 0, 1+crypto.KeySize)
	msg = append(msg, MsgClientHello)
	return append(msg, e.ephemeral.Public[:]...), nil
}

// ProcessServerHello authenticates the server and returns the ClientFinish:
// 0x02, the client static public key, then the sealed client payload.
func (e *Engine) ProcessServerHello(hello ServerHello) (msg []byte, err error) {
	if err := e.enter("process_server_hello", StateClientHelloSent); err != nil {
		return nil, err
	}
	defer func() { e.leave(StateServerHelloReceived, err) }()

	shared, err := e.ephemeral.SharedSecret(hello.Ephemeral)
	if err != nil {
		return nil, protocol.NewCryptoError("ephemeral key agreement", err)
	}

	hk, err := DeriveHandshakeKey(shared)
	if err != nil {
		return nil, protocol.NewCryptoError("handshake key", err)
	}

	serverStatic, err := crypto.OpenWithCounter(hk, 0, hello.Static, hello.Ephemeral)
	if err != nil {
		return nil, protocol.NewCryptoError("decrypt server static key", err)
	}
	if len(serverStatic) != crypto.KeySize {
		return nil, protocol.NewCryptoError(fmt.Sprintf("server static key is %d bytes", len(serverStatic)), crypto.ErrInvalidKey)
	}

	certBytes, err := crypto.OpenWithCounter(hk, 1, hello.Payload, hello.Ephemeral)
	if err != nil {
		return nil, protocol.NewCryptoError("decrypt server certificate", err)
	}
	if err := e.verifyCertificate(certBytes, serverStatic); err != nil {
		return nil, err
	}
	e.serverStatic = serverStatic

	e.combined, err = DeriveCombinedSecret(shared, serverStatic)
	if err != nil {
		return nil, protocol.NewCryptoError("combined secret", err)
	}

	payload, err := BuildClientPayload(e.keys)
	if err != nil {
		return nil, err
	}

	noise := e.keys.NoiseKey()
	sealed, err := crypto.SealWithCounter(PayloadKey(e.combined), 0, payload, PayloadAAD(e.combined, noise.Public[:]))
	if err != nil {
		return nil, protocol.NewCryptoError("seal client payload", err)
	}

	msg = make([]byte, 0, 1+crypto.KeySize+len(sealed))
	msg = append(msg, MsgClientFinish)
	msg = append(msg, noise.Public[:]...)
	return append(msg, sealed...), nil
}

// DeriveHandshakeKey derives the key that protects the server static key
// (nonce 0) and certificate (nonce 1) from the ephemeral shared secret.
func DeriveHandshakeKey(shared []byte) ([]byte, error) {
	return crypto.HKDF(shared, make([]byte, 32), handshakeInfo, crypto.KeySize)
}

// DeriveCombinedSecret expands shared || serverStatic into the 112-byte
// combined secret: payload key, payload AAD salt, traffic keys.
func DeriveCombinedSecret(shared, serverStatic []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(shared)+len(serverStatic))
	ikm = append(ikm, shared...)
	ikm = append(ikm, serverStatic...)
	return crypto.HKDF(ikm, make([]byte, 32), nil, CombinedSecretSize)
}

// PayloadKey returns the key sealing the client payload.
func PayloadKey(combined []byte) []byte {
	return combined[:payloadKeyEnd]
}

// PayloadAAD binds the sealed client payload to the client static key.
func PayloadAAD(combined, clientStatic []byte) []byte {
	aad := make([]byte, 0, payloadAADEnd-payloadKeyEnd+len(clientStatic))
	aad = append(aad, combined[payloadKeyEnd:payloadAADEnd]...)
	return append(aad, clientStatic...)
}

// TrafficKeysFrom returns the traffic key part of a combined secret.
func TrafficKeysFrom(combined []byte) []byte {
	return append([]byte(nil), combined[payloadAADEnd:]...)
}

func (e *Engine) verifyCertificate(certBytes, serverStatic []byte) error {
	cert, err := ParseCertificate(certBytes)
	if err != nil {
		return protocol.NewCryptoError("parse server certificate", err)
	}
	details, err := ParseCertificateDetails(cert.Details)
	if err != nil {
		return protocol.NewCryptoError("parse certificate details", err)
	}

	if !e.config.InsecureSkipVerify {
		if len(e.config.RootKey) == 0 {
			return protocol.NewCryptoError("no trusted root key configured", nil)
		}
		if !crypto.Verify(e.config.RootKey, cert.Details, cert.Signature) {
			return protocol.NewCryptoError("certificate signature invalid", nil)
		}
	}

	if !bytes.Equal(details.Key, serverStatic) {
		return protocol.NewCryptoError("certificate key does not match server static key", nil)
	}
	if details.Expires != 0 && e.config.Now().Unix() >= details.Expires {
		return protocol.NewCryptoError(fmt.Sprintf("certificate %d expired", details.Serial), nil)
	}
	return nil
}

// TrafficKeys returns the traffic key material derived from the combined
// secret. It is available once the server hello has been processed.
func (e *Engine) TrafficKeys() ([]byte, error) {
	switch e.State() {
	case StateServerHelloReceived, StateComplete:
		return TrafficKeysFrom(e.combined), nil
	default:
		return nil, protocol.NewProtocolError("traffic keys requested in state "+e.State().String(), protocol.ErrInvalidState)
	}
}

// ServerStatic returns the authenticated server static key.
func (e *Engine) ServerStatic() []byte {
	return append([]byte(nil), e.serverStatic...)
}

// FinalizeHandshake installs the first 32 bytes of sharedKeys as the
// encryption key and the next 32 as the MAC key.
func (e *Engine) FinalizeHandshake(sharedKeys []byte) (err error) {
	if err := e.enter("finalize_handshake", StateServerHelloReceived); err != nil {
		return err
	}
	defer func() { e.leave(StateComplete, err) }()

	if len(sharedKeys) < TrafficKeysSize {
		return protocol.NewCryptoError(fmt.Sprintf("shared keys are %d bytes, need %d", len(sharedKeys), TrafficKeysSize), crypto.ErrInvalidKey)
	}
	return e.keys.UpdateKeys(sharedKeys[:32], sharedKeys[32:64])
}

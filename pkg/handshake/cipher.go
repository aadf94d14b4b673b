package handshake

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ZentaChain/wamd/pkg/crypto"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

// Role selects the nonce space of each direction so that both peers can
// share one key pair without reusing a nonce.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

const (
	macSize       = 32
	serverCounter = uint64(1) << 63
)

// Cipher protects frames after the handshake. Each frame is
// HMAC-SHA256(mac_key, counter || ct) || ct, where ct is AES-256-GCM under
// the encryption key with a per-direction counter nonce.
//
// Seal and Open may be called concurrently with each other.
type Cipher struct {
	encKey []byte
	macKey []byte

	writeMu   sync.Mutex
	writeBase uint64
	writeSeq  uint64

	readMu   sync.Mutex
	readBase uint64
	readSeq  uint64
}

// NewCipher reads the negotiated keys from the key store.
func NewCipher(ks *keystore.KeyStore, role Role) (*Cipher, error) {
	enc, mac, ok := ks.Keys()
	if !ok {
		return nil, protocol.NewCryptoError("key store has no negotiated keys", crypto.ErrInvalidKey)
	}
	c := &Cipher{encKey: enc, macKey: mac}
	if role == RoleClient {
		c.readBase = serverCounter
	} else {
		c.writeBase = serverCounter
	}
	return c, nil
}

func counterBytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Seal encrypts and authenticates one outgoing frame payload.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	counter := c.writeBase | c.writeSeq
	ct, err := crypto.SealWithCounter(c.encKey, counter, plaintext, nil)
	if err != nil {
		return nil, protocol.NewCryptoError("encrypt frame", err)
	}
	c.writeSeq++

	mac := crypto.HMACSHA256(c.macKey, counterBytes(counter), ct)
	out := make([]byte, 0, macSize+len(ct))
	out = append(out, mac...)
	return append(out, ct...), nil
}

// Open verifies the MAC of an incoming frame and only then decrypts it.
func (c *Cipher) Open(frame []byte) ([]byte, error) {
	if len(frame) < macSize {
		return nil, protocol.NewFormatError(fmt.Sprintf("frame of %d bytes has no mac", len(frame)), protocol.ErrUnexpectedEOF)
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	counter := c.readBase | c.readSeq
	mac, ct := frame[:macSize], frame[macSize:]
	if !crypto.VerifyHMACSHA256(c.macKey, mac, counterBytes(counter), ct) {
		return nil, protocol.NewCryptoError(fmt.Sprintf("frame %d", c.readSeq), protocol.ErrMACMismatch)
	}

	plaintext, err := crypto.OpenWithCounter(c.encKey, counter, ct, nil)
	if err != nil {
		return nil, protocol.NewCryptoError("decrypt frame", err)
	}
	c.readSeq++
	return plaintext, nil
}

// SealNode encodes, packs and seals a node.
func (c *Cipher) SealNode(n protocol.Node) ([]byte, error) {
	payload, err := protocol.MarshalFrame(n)
	if err != nil {
		return nil, err
	}
	return c.Seal(payload)
}

// OpenNode opens a frame and decodes the node it carries.
func (c *Cipher) OpenNode(frame []byte) (protocol.Node, error) {
	payload, err := c.Open(frame)
	if err != nil {
		return protocol.Node{}, err
	}
	return protocol.UnmarshalFrame(payload)
}

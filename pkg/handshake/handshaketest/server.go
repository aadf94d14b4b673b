// Package handshaketest provides the server side of the handshake for tests
// of code that connects through package handshake.
package handshaketest

import (
	"fmt"
	"time"

	"github.com/ZentaChain/wamd/pkg/crypto"
	"github.com/ZentaChain/wamd/pkg/handshake"
)

// Server answers one client handshake.
type Server struct {
	Root    *crypto.SigningKey
	Static  *crypto.KeyPair
	Expires time.Time

	ephemeral *crypto.KeyPair
	combined  []byte
}

// NewServer creates a server with a fresh root and static key. Its
// certificate expires in one hour.
func NewServer() (*Server, error) {
	root, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	static, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Server{Root: root, Static: static, Expires: time.Now().Add(time.Hour)}, nil
}

// RootPublic is the key clients must trust.
func (s *Server) RootPublic() []byte {
	return s.Root.Public()
}

// Config returns a client handshake config trusting this server.
func (s *Server) Config() handshake.Config {
	return handshake.Config{RootKey: s.RootPublic()}
}

// Certificate builds the signed certificate for the static key.
func (s *Server) Certificate() handshake.Certificate {
	details := handshake.CertificateDetails{
		Serial:  1,
		Issuer:  "WA-ROOT",
		Expires: s.Expires.Unix(),
		Subject: "chat",
		Key:     s.Static.Public[:],
	}.Marshal()
	return handshake.Certificate{Details: details, Signature: s.Root.Sign(details)}
}

// RespondHello consumes a ClientHello and produces the ServerHello.
func (s *Server) RespondHello(clientHello []byte) (handshake.ServerHello, error) {
	return s.RespondHelloWithCert(clientHello, s.Certificate())
}

// RespondHelloWithCert is RespondHello with a caller supplied certificate.
func (s *Server) RespondHelloWithCert(clientHello []byte, cert handshake.Certificate) (handshake.ServerHello, error) {
	if len(clientHello) != 33 || clientHello[0] != handshake.MsgClientHello {
		return handshake.ServerHello{}, fmt.Errorf("malformed client hello (%d bytes)", len(clientHello))
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return handshake.ServerHello{}, err
	}
	s.ephemeral = eph

	shared, err := eph.SharedSecret(clientHello[1:])
	if err != nil {
		return handshake.ServerHello{}, err
	}
	hk, err := handshake.DeriveHandshakeKey(shared)
	if err != nil {
		return handshake.ServerHello{}, err
	}

	static, err := crypto.SealWithCounter(hk, 0, s.Static.Public[:], eph.Public[:])
	if err != nil {
		return handshake.ServerHello{}, err
	}
	certCT, err := crypto.SealWithCounter(hk, 1, cert.Marshal(), eph.Public[:])
	if err != nil {
		return handshake.ServerHello{}, err
	}

	s.combined, err = handshake.DeriveCombinedSecret(shared, s.Static.Public[:])
	if err != nil {
		return handshake.ServerHello{}, err
	}

	return handshake.ServerHello{Ephemeral: eph.Public[:], Static: static, Payload: certCT}, nil
}

// ReceiveFinish opens the ClientFinish and returns the client's payload.
func (s *Server) ReceiveFinish(clientFinish []byte) (*handshake.ClientPayload, error) {
	if s.combined == nil {
		return nil, fmt.Errorf("client finish before hello")
	}
	if len(clientFinish) < 33 || clientFinish[0] != handshake.MsgClientFinish {
		return nil, fmt.Errorf("malformed client finish (%d bytes)", len(clientFinish))
	}
	clientStatic := clientFinish[1:33]

	payload, err := crypto.OpenWithCounter(handshake.PayloadKey(s.combined), 0, clientFinish[33:],
		handshake.PayloadAAD(s.combined, clientStatic))
	if err != nil {
		return nil, err
	}
	return handshake.ParseClientPayload(payload)
}

// TrafficKeys returns the keys both sides pass to FinalizeHandshake.
func (s *Server) TrafficKeys() []byte {
	return handshake.TrafficKeysFrom(s.combined)
}

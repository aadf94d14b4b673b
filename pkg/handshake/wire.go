package handshake

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// HandshakeMessage field numbers
const (
	fieldClientHello  = 2
	fieldServerHello  = 3
	fieldClientFinish = 4
)

// Inner hello field numbers
const (
	fieldEphemeral = 1
	fieldStatic    = 2
	fieldPayload   = 3
)

// Certificate field numbers
const (
	fieldCertDetails   = 1
	fieldCertSignature = 2

	fieldDetailsSerial  = 1
	fieldDetailsIssuer  = 2
	fieldDetailsExpires = 3
	fieldDetailsSubject = 4
	fieldDetailsKey     = 5
)

var errInvalidProtobuf = errors.New("invalid protobuf data")

// ServerHello carries the server's ephemeral key, its encrypted static key
// and its encrypted certificate.
type ServerHello struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// ParseServerHello decodes a HandshakeMessage holding a ServerHello.
func ParseServerHello(data []byte) (ServerHello, error) {
	fields, err := parseFields(data)
	if err != nil {
		return ServerHello{}, protocol.NewFormatError("handshake message", err)
	}
	inner, ok := fields[fieldServerHello]
	if !ok {
		return ServerHello{}, protocol.NewProtocolError("handshake message has no server hello", nil)
	}
	hello, err := parseFields(inner)
	if err != nil {
		return ServerHello{}, protocol.NewFormatError("server hello", err)
	}

	sh := ServerHello{
		Ephemeral: hello[fieldEphemeral],
		Static:    hello[fieldStatic],
		Payload:   hello[fieldPayload],
	}
	if len(sh.Ephemeral) != 32 || len(sh.Static) == 0 || len(sh.Payload) == 0 {
		return ServerHello{}, protocol.NewProtocolError(
			fmt.Sprintf("incomplete server hello (ephemeral %d, static %d, payload %d bytes)",
				len(sh.Ephemeral), len(sh.Static), len(sh.Payload)), nil)
	}
	return sh, nil
}

// Marshal encodes the ServerHello wrapped in a HandshakeMessage.
func (sh ServerHello) Marshal() []byte {
	var inner []byte
	inner = appendBytesField(inner, fieldEphemeral, sh.Ephemeral)
	inner = appendBytesField(inner, fieldStatic, sh.Static)
	inner = appendBytesField(inner, fieldPayload, sh.Payload)
	return appendBytesField(nil, fieldServerHello, inner)
}

// WrapClientHello wraps the raw ephemeral key of a ClientHello message for
// transports that expect the protobuf HandshakeMessage envelope.
func WrapClientHello(msg []byte) []byte {
	if len(msg) > 0 && msg[0] == MsgClientHello {
		msg = msg[1:]
	}
	return appendBytesField(nil, fieldClientHello, appendBytesField(nil, fieldEphemeral, msg))
}

// ParseClientHello unwraps a HandshakeMessage back into the raw
// 0x01 || ephemeral form.
func ParseClientHello(data []byte) ([]byte, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, protocol.NewFormatError("handshake message", err)
	}
	inner, ok := fields[fieldClientHello]
	if !ok {
		return nil, protocol.NewProtocolError("handshake message has no client hello", nil)
	}
	hello, err := parseFields(inner)
	if err != nil {
		return nil, protocol.NewFormatError("client hello", err)
	}
	if len(hello[fieldEphemeral]) != 32 {
		return nil, protocol.NewProtocolError("client hello ephemeral must be 32 bytes", nil)
	}
	return append([]byte{MsgClientHello}, hello[fieldEphemeral]...), nil
}

// WrapClientFinish wraps a ClientFinish message in the HandshakeMessage
// envelope.
func WrapClientFinish(msg []byte) ([]byte, error) {
	if len(msg) < 33 || msg[0] != MsgClientFinish {
		return nil, protocol.NewProtocolError("not a client finish message", nil)
	}
	var inner []byte
	inner = appendBytesField(inner, fieldStatic, msg[1:33])
	inner = appendBytesField(inner, fieldPayload, msg[33:])
	return appendBytesField(nil, fieldClientFinish, inner), nil
}

// ParseClientFinish unwraps a HandshakeMessage back into the raw
// 0x02 || static || payload form.
func ParseClientFinish(data []byte) ([]byte, error) {
	fields, err := parseFields(data)
	if err != nil {
		return nil, protocol.NewFormatError("handshake message", err)
	}
	inner, ok := fields[fieldClientFinish]
	if !ok {
		return nil, protocol.NewProtocolError("handshake message has no client finish", nil)
	}
	finish, err := parseFields(inner)
	if err != nil {
		return nil, protocol.NewFormatError("client finish", err)
	}
	out := []byte{MsgClientFinish}
	out = append(out, finish[fieldStatic]...)
	return append(out, finish[fieldPayload]...), nil
}

// CertificateDetails is the signed part of a server certificate.
type CertificateDetails struct {
	Serial  uint32
	Issuer  string
	Expires int64
	Subject string
	Key     []byte
}

// Marshal encodes the details in their signed wire form.
func (d CertificateDetails) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDetailsSerial, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Serial))
	b = appendBytesField(b, fieldDetailsIssuer, []byte(d.Issuer))
	if d.Expires != 0 {
		b = protowire.AppendTag(b, fieldDetailsExpires, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Expires))
	}
	b = appendBytesField(b, fieldDetailsSubject, []byte(d.Subject))
	return appendBytesField(b, fieldDetailsKey, d.Key)
}

// ParseCertificateDetails decodes signed certificate details.
func ParseCertificateDetails(data []byte) (CertificateDetails, error) {
	var d CertificateDetails
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) {
		switch num {
		case fieldDetailsSerial:
			d.Serial = uint32(v)
		case fieldDetailsIssuer:
			d.Issuer = string(b)
		case fieldDetailsExpires:
			d.Expires = int64(v)
		case fieldDetailsSubject:
			d.Subject = string(b)
		case fieldDetailsKey:
			d.Key = b
		}
	})
	return d, err
}

// Certificate is the server's noise certificate: details signed by a
// trusted root key.
type Certificate struct {
	Details   []byte
	Signature []byte
}

// Marshal encodes the certificate.
func (c Certificate) Marshal() []byte {
	b := appendBytesField(nil, fieldCertDetails, c.Details)
	return appendBytesField(b, fieldCertSignature, c.Signature)
}

// ParseCertificate decodes a certificate.
func ParseCertificate(data []byte) (Certificate, error) {
	fields, err := parseFields(data)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{Details: fields[fieldCertDetails], Signature: fields[fieldCertSignature]}, nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// parseFields collects the bytes fields of one message level.
func parseFields(data []byte) (map[protowire.Number][]byte, error) {
	fields := make(map[protowire.Number][]byte)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, _ uint64, b []byte) {
		if typ == protowire.BytesType {
			fields[num] = b
		}
	})
	return fields, err
}

func walkFields(data []byte, fn func(protowire.Number, protowire.Type, uint64, []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", errInvalidProtobuf, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", errInvalidProtobuf, protowire.ParseError(n))
			}
			fn(num, typ, v, nil)
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", errInvalidProtobuf, protowire.ParseError(n))
			}
			fn(num, typ, 0, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", errInvalidProtobuf, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

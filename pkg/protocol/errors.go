package protocol

import (
	"errors"
)

// Kind categorizes failures so callers can decide whether the connection
// must be torn down (format, protocol, crypto) or a single sync patch was
// rejected (sync).
type Kind uint8

const (
	KindFormat Kind = iota + 1
	KindProtocol
	KindCrypto
	KindSync
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindSync:
		return "sync"
	default:
		return "unknown"
	}
}

var (
	ErrUnexpectedEOF  = errors.New("unexpected end of data")
	ErrInvalidToken   = errors.New("token index out of range")
	ErrInvalidUTF8    = errors.New("invalid utf-8 string")
	ErrInvalidTag     = errors.New("invalid tag byte")
	ErrStringTooLarge = errors.New("string too large")
	ErrListTooLarge   = errors.New("list too large")
	ErrTooDeep        = errors.New("nesting too deep")
	ErrTrailingData   = errors.New("trailing data after node")
	ErrInvalidNode    = errors.New("invalid node")
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrMACMismatch    = errors.New("mac mismatch")
	ErrMissingMAC     = errors.New("missing mac")
	ErrStaleVersion   = errors.New("stale version")
	ErrUnknownKey     = errors.New("no matching key")
)

// Error is the error type shared by the codec, handshake and sync engines.
type Error struct {
	Kind  Kind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := e.Kind.String() + " error: "
	if e.Inner == nil {
		return prefix + e.Msg
	}
	if e.Msg == "" {
		return prefix + e.Inner.Error()
	}
	return prefix + e.Msg + ": " + e.Inner.Error()
}

func (e *Error) Unwrap() error { return e.Inner }

// New returns an error of the given kind without an inner cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an error of the given kind around inner. msg names the
// operation or input that failed.
func Wrap(kind Kind, msg string, inner error) *Error {
	return &Error{Kind: kind, Msg: msg, Inner: inner}
}

// NewFormatError reports malformed binary input.
func NewFormatError(msg string, inner error) *Error { return Wrap(KindFormat, msg, inner) }

// NewProtocolError reports a well-formed message that violates the protocol.
func NewProtocolError(msg string, inner error) *Error { return Wrap(KindProtocol, msg, inner) }

// NewCryptoError reports a failed key agreement, decryption or MAC check.
func NewCryptoError(msg string, inner error) *Error { return Wrap(KindCrypto, msg, inner) }

// NewSyncError reports an app state patch or snapshot that was not applied.
func NewSyncError(msg string, inner error) *Error { return Wrap(KindSync, msg, inner) }

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

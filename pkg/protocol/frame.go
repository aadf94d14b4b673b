package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Frame constants
const (
	// MagicValue is the protocol version byte of the connection header.
	MagicValue = 6

	FrameMaxSize    = 2 << 23
	FrameLengthSize = 3
)

// ConnHeader is written once before the first frame of a connection.
var ConnHeader = []byte{'W', 'A', MagicValue, DictVersion}

var (
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrInvalidHeader   = errors.New("invalid connection header")
	ErrEmptyFramedData = errors.New("empty frame payload")
)

// EncodeFrame prefixes payload with its 3-byte big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) >= FrameMaxSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, FrameLengthSize+len(payload))
	buf[0] = byte(len(payload) >> 16)
	buf[1] = byte(len(payload) >> 8)
	buf[2] = byte(len(payload))
	copy(buf[FrameLengthSize:], payload)
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [FrameLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(lenBuf[0])<<16 | int(lenBuf[1])<<8 | int(lenBuf[2])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SplitFrames splits a buffer of concatenated frames. Incomplete data at the
// end is returned as rest.
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	for len(buf) >= FrameLengthSize {
		length := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
		if len(buf) < FrameLengthSize+length {
			break
		}
		frames = append(frames, buf[FrameLengthSize:FrameLengthSize+length])
		buf = buf[FrameLengthSize+length:]
	}
	return frames, buf
}

// ReadConnHeader reads and validates the connection header.
func ReadConnHeader(r io.Reader) error {
	buf := make([]byte, len(ConnHeader))
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if buf[0] != 'W' || buf[1] != 'A' || buf[2] != MagicValue {
		return ErrInvalidHeader
	}
	if buf[3] != DictVersion {
		return fmt.Errorf("%w: dictionary version %d", ErrInvalidHeader, buf[3])
	}
	return nil
}

// Pack prepends the flag byte to an encoded node and optionally compresses it.
func Pack(data []byte, compress bool) ([]byte, error) {
	if !compress {
		return append([]byte{0}, data...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack strips the flag byte and inflates the payload when it is marked
// compressed.
func Unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, NewFormatError("", ErrEmptyFramedData)
	}
	flags, body := data[0], data[1:]
	if flags&FlagCompressed == 0 {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, NewFormatError("invalid compressed payload", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, FrameMaxSize*4))
	if err != nil {
		return nil, NewFormatError("invalid compressed payload", err)
	}
	return out, nil
}

// MarshalFrame encodes a node and packs it into a frame payload.
func MarshalFrame(n Node) ([]byte, error) {
	data, err := Marshal(n)
	if err != nil {
		return nil, err
	}
	return Pack(data, false)
}

// UnmarshalFrame unpacks a frame payload and decodes the node it carries.
func UnmarshalFrame(payload []byte) (Node, error) {
	data, err := Unpack(payload)
	if err != nil {
		return Node{}, err
	}
	return Unmarshal(data)
}

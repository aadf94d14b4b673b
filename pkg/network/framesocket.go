package network

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// FrameSocket splits a Transport's message stream into length-prefixed
// frames. The client side writes the connection header before its first
// frame; the server side expects it before the first frame it reads.
type FrameSocket struct {
	transport Transport

	writeMu    sync.Mutex
	header     []byte
	headerSent bool

	readMu       sync.Mutex
	expectHeader bool
	buf          []byte
	frames       [][]byte
}

// NewFrameSocket creates the client side of a frame socket.
func NewFrameSocket(t Transport, header []byte) *FrameSocket {
	return &FrameSocket{transport: t, header: header}
}

// NewServerFrameSocket creates the accepting side, which validates the
// connection header.
func NewServerFrameSocket(t Transport) *FrameSocket {
	return &FrameSocket{transport: t, expectHeader: true}
}

// SendFrame writes one frame.
func (fs *FrameSocket) SendFrame(payload []byte) error {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}

	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	if !fs.headerSent && len(fs.header) > 0 {
		frame = append(append([]byte(nil), fs.header...), frame...)
	}
	if err := fs.transport.WriteMessage(frame); err != nil {
		return err
	}
	fs.headerSent = true
	return nil
}

// ReadFrame returns the next complete frame, reading transport messages
// until one is available.
func (fs *FrameSocket) ReadFrame() ([]byte, error) {
	fs.readMu.Lock()
	defer fs.readMu.Unlock()

	for len(fs.frames) == 0 {
		msg, err := fs.transport.ReadMessage()
		if err != nil {
			return nil, err
		}
		fs.buf = append(fs.buf, msg...)

		if fs.expectHeader {
			if len(fs.buf) < len(protocol.ConnHeader) {
				continue
			}
			if err := protocol.ReadConnHeader(bytes.NewReader(fs.buf)); err != nil {
				return nil, err
			}
			fs.buf = fs.buf[len(protocol.ConnHeader):]
			fs.expectHeader = false
		}

		if len(fs.buf) >= protocol.FrameLengthSize {
			length := int(fs.buf[0])<<16 | int(fs.buf[1])<<8 | int(fs.buf[2])
			if length >= protocol.FrameMaxSize {
				return nil, fmt.Errorf("%w (%d bytes)", protocol.ErrFrameTooLarge, length)
			}
		}
		fs.frames, fs.buf = protocol.SplitFrames(fs.buf)
	}

	frame := fs.frames[0]
	fs.frames = fs.frames[1:]
	return frame, nil
}

// Close closes the underlying transport.
func (fs *FrameSocket) Close() error {
	return fs.transport.Close()
}

package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrUnexpectedMessageType = errors.New("unexpected websocket message type")

// Transport carries whole binary messages. Implementations must allow one
// concurrent reader and one concurrent writer.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebsocket opens a websocket transport to url, sending origin as the
// Origin header. Non-zero timeouts bound every ReadMessage and WriteMessage.
func DialWebsocket(ctx context.Context, url, origin string, readTimeout, writeTimeout time.Duration) (Transport, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebsocketTransport(conn, readTimeout, writeTimeout), nil
}

// NewWebsocketTransport wraps an established websocket connection.
func NewWebsocketTransport(conn *websocket.Conn, readTimeout, writeTimeout time.Duration) Transport {
	return &wsTransport{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		if t.readTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
				return nil, err
			}
		}
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch kind {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			return nil, fmt.Errorf("%w: text", ErrUnexpectedMessageType)
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close does not take writeMu so it can interrupt a WriteMessage blocked on a
// peer that stopped reading.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

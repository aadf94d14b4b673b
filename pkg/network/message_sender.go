package network

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// IQError is a type="error" iq response.
type IQError struct {
	Code int
	Text string
}

func (e *IQError) Error() string {
	return fmt.Sprintf("iq error %d: %s", e.Code, e.Text)
}

func parseIQError(n protocol.Node) *IQError {
	e := &IQError{}
	if child, ok := n.GetChildByTag("error"); ok {
		e.Code, _ = strconv.Atoi(child.AttrString("code"))
		e.Text = child.AttrString("text")
	}
	return e
}

// SendNode encrypts and sends one node.
func (c *Client) SendNode(n protocol.Node) error {
	c.connMu.Lock()
	socket, cipher := c.socket, c.cipher
	c.connMu.Unlock()
	if socket == nil {
		return ErrNotConnected
	}

	// Frames must reach the wire in counter order.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame, err := cipher.SealNode(n)
	if err != nil {
		return err
	}
	if err := socket.SendFrame(frame); err != nil {
		c.closeWithError(fmt.Errorf("send <%s>: %w", n.Tag, err))
		return err
	}
	c.logger.Debug("sent node", zap.String("tag", n.Tag), zap.String("id", n.AttrString("id")))
	return nil
}

// SendIQ sends an iq and waits for the response with the same id. An id is
// generated when the node has none. A type="error" response is returned
// together with an *IQError.
func (c *Client) SendIQ(ctx context.Context, n protocol.Node) (protocol.Node, error) {
	if n.Tag != "iq" {
		return protocol.Node{}, protocol.NewProtocolError(fmt.Sprintf("SendIQ called with <%s>", n.Tag), protocol.ErrInvalidNode)
	}
	attrs := make(protocol.Attrs, len(n.Attrs)+1)
	for k, v := range n.Attrs {
		attrs[k] = v
	}
	if attrs["id"] == "" {
		attrs["id"] = protocol.GenerateMessageID()
	}
	n.Attrs = attrs
	id := attrs["id"]

	ch := make(chan protocol.Node, 1)
	c.waitersMu.Lock()
	c.waiters[id] = ch
	c.waitersMu.Unlock()
	defer c.removeWaiter(id)

	if err := c.SendNode(n); err != nil {
		return protocol.Node{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Node{}, ErrNotConnected
		}
		if resp.AttrString("type") == "error" {
			return resp, parseIQError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Node{}, ctx.Err()
	}
}

func (c *Client) removeWaiter(id string) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	delete(c.waiters, id)
}

// deliverResponse hands an iq result to its waiter. It reports false when
// nobody is waiting for the id.
func (c *Client) deliverResponse(n protocol.Node) bool {
	id := n.AttrString("id")
	c.waitersMu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.waitersMu.Unlock()
	if !ok {
		return false
	}
	ch <- n
	return true
}

// sendAck answers a server iq with an empty result.
func (c *Client) sendAck(n protocol.Node) error {
	return c.SendNode(protocol.Node{
		Tag: "iq",
		Attrs: protocol.Attrs{
			"id":   n.AttrString("id"),
			"type": "result",
			"to":   protocol.DefaultUserServer,
		},
	})
}

package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/appstate"
	"github.com/ZentaChain/wamd/pkg/handshake"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

const (
	appStateSyncTimeout = 30 * time.Second
	maxAppStateRounds   = 16
)

// ErrStreamFailure is returned when the server ends the stream with a
// failure or stream:error node.
var ErrStreamFailure = errors.New("stream failure")

// receiveLoop reads frames until the connection fails. Errors in reading,
// authenticating or decoding a frame are fatal.
func (c *Client) receiveLoop(socket *FrameSocket, cipher *handshake.Cipher, done <-chan struct{}) {
	for {
		frame, err := socket.ReadFrame()
		if err != nil {
			select {
			case <-done:
			default:
				c.closeWithError(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			}
			return
		}

		node, err := cipher.OpenNode(frame)
		if err != nil {
			c.closeWithError(err)
			return
		}
		c.logger.Debug("received node", zap.String("tag", node.Tag), zap.String("id", node.AttrString("id")))
		c.dispatch(node)
	}
}

func (c *Client) dispatch(n protocol.Node) {
	switch n.Tag {
	case "iq":
		c.handleIQ(n)
	case "success":
		c.handleSuccess(n)
	case "failure":
		c.closeWithError(fmt.Errorf("%w: login failure reason %q", ErrStreamFailure, n.AttrString("reason")))
	case "stream:error":
		c.closeWithError(fmt.Errorf("%w: stream error code %q", ErrStreamFailure, n.AttrString("code")))
	case "notification":
		c.handleNotification(n)
	case "appstate_sync_key_share":
		c.handleKeyShare(n)
	case "presence":
		c.handlePresence(n)
	case "chatstate":
		c.handleChatState(n)
	case "receipt":
		c.handleReceipt(n)
	default:
		if c.OnNode != nil {
			c.OnNode(n)
		}
	}
}

func (c *Client) handleIQ(n protocol.Node) {
	switch n.AttrString("type") {
	case "result", "error":
		if !c.deliverResponse(n) {
			c.logger.Debug("unsolicited iq response", zap.String("id", n.AttrString("id")))
		}
		return
	}

	if pair, ok := n.GetChildByTag("pair-device"); ok {
		c.handlePairDevice(n, pair)
		return
	}
	if success, ok := n.GetChildByTag("pair-success"); ok {
		c.handlePairSuccess(n, success)
		return
	}
	if _, ok := n.GetChildByTag("ping"); ok {
		if err := c.sendAck(n); err != nil {
			c.logger.Warn("failed to answer ping", zap.Error(err))
		}
		return
	}
	if c.OnNode != nil {
		c.OnNode(n)
	}
}

func (c *Client) handleSuccess(n protocol.Node) {
	c.authenticated.Store(true)
	if lid, err := n.AttrJID("lid"); err == nil {
		c.logger.Debug("login has linked identity", zap.String("lid", lid.String()))
	}
	c.logger.Info("logged in", zap.String("jid", c.keys.JID().String()))

	if c.keys.IsPaired() {
		go func() {
			c.ensurePreKeys()
			c.runAppStateSync(c.cfg.AppStateTypes)
		}()
	}
}

// handleNotification triggers a sync of the collections named in a
// server_sync notification.
func (c *Client) handleNotification(n protocol.Node) {
	if err := c.sendNotificationAck(n); err != nil {
		c.logger.Warn("failed to ack notification", zap.Error(err))
	}
	if n.AttrString("type") != "server_sync" {
		if c.OnNode != nil {
			c.OnNode(n)
		}
		return
	}

	var types []appstate.Type
	for _, coll := range n.GetChildrenByTag("collection") {
		t, err := appstate.ParseType(coll.AttrString("name"))
		if err != nil {
			c.logger.Warn("ignoring unknown collection", zap.Error(err))
			continue
		}
		types = append(types, t)
	}
	if len(types) > 0 {
		go c.runAppStateSync(types)
	}
}

func (c *Client) sendNotificationAck(n protocol.Node) error {
	attrs := protocol.Attrs{
		"id":    n.AttrString("id"),
		"class": "notification",
		"to":    n.AttrString("from"),
	}
	if t := n.AttrString("type"); t != "" {
		attrs["type"] = t
	}
	return c.SendNode(protocol.Node{Tag: "ack", Attrs: attrs})
}

func (c *Client) handleKeyShare(n protocol.Node) {
	count, err := c.appState.HandleKeyShare(n)
	if err != nil {
		c.logger.Warn("invalid app state key share", zap.Error(err))
		return
	}
	c.logger.Info("app state sync keys received", zap.Int("keys", count))
	if c.keys.IsPaired() {
		go c.runAppStateSync(c.cfg.AppStateTypes)
	}
}

func (c *Client) runAppStateSync(types []appstate.Type) {
	ctx, cancel := context.WithTimeout(context.Background(), appStateSyncTimeout)
	defer cancel()
	if err := c.SyncAppState(ctx, types); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("app state sync failed", zap.Error(err))
	}
}

// SyncAppState requests the given collections, applies the patches received
// and repeats for collections the server reports as having more.
func (c *Client) SyncAppState(ctx context.Context, types []appstate.Type) error {
	for round := 0; len(types) > 0; round++ {
		if round == maxAppStateRounds {
			return protocol.NewSyncError(fmt.Sprintf("collections still incomplete after %d rounds", round), nil)
		}

		requests, err := c.appState.RequestSync(types)
		if err != nil {
			return err
		}

		var more []appstate.Type
		for _, req := range requests {
			resp, err := c.SendIQ(ctx, req)
			var iqErr *IQError
			if err != nil && !errors.As(err, &iqErr) {
				return err
			}
			result, err := c.appState.HandleSyncResponse(resp)
			if err != nil {
				c.logger.Warn("app state sync response rejected", zap.Error(err))
				continue
			}
			if result.Snapshot != nil {
				if err := c.appState.LoadCollectionSnapshot(result.Collection, result.Snapshot); err != nil {
					c.logger.Warn("app state snapshot rejected",
						zap.String("collection", string(result.Collection)), zap.Error(err))
				}
			}
			if result.HasMore {
				more = append(more, result.Collection)
			}
		}

		for _, r := range c.appState.ApplyPatches() {
			if r.Applied() {
				c.logger.Debug("app state patch applied",
					zap.String("collection", string(r.Collection)), zap.Uint64("version", r.Version))
			}
		}
		types = more
	}
	return nil
}

package network

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// Presence values
const (
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"
)

// Chat states
const (
	ChatStateComposing = "composing"
	ChatStateRecording = "recording"
	ChatStatePaused    = "paused"
)

// PresenceEvent reports a contact's availability.
type PresenceEvent struct {
	From     protocol.JID
	Status   string
	LastSeen time.Time
}

// ChatStateEvent reports typing or recording in a chat.
type ChatStateEvent struct {
	Chat   protocol.JID
	Sender protocol.JID
	State  string
}

// ReceiptEvent reports delivery or read of sent messages.
type ReceiptEvent struct {
	Chat       protocol.JID
	MessageIDs []string
	Type       string
	Timestamp  time.Time
}

// SendPresence announces this device as available or unavailable.
func (c *Client) SendPresence(status string) error {
	if status != PresenceAvailable && status != PresenceUnavailable {
		return fmt.Errorf("invalid presence %q", status)
	}
	attrs := protocol.Attrs{"type": status}
	if name := c.keys.PushName(); name != "" {
		attrs["name"] = name
	}
	return c.SendNode(protocol.Node{Tag: "presence", Attrs: attrs})
}

// SendChatState sends a typing indicator to a chat.
func (c *Client) SendChatState(chat protocol.JID, state string) error {
	var child protocol.Node
	switch state {
	case ChatStateComposing:
		child = protocol.Node{Tag: ChatStateComposing}
	case ChatStateRecording:
		child = protocol.Node{Tag: ChatStateComposing, Attrs: protocol.Attrs{"media": "audio"}}
	case ChatStatePaused:
		child = protocol.Node{Tag: ChatStatePaused}
	default:
		return fmt.Errorf("invalid chat state %q", state)
	}

	if err := c.SendNode(protocol.Node{
		Tag:     "chatstate",
		Attrs:   protocol.Attrs{"to": chat.String()},
		Content: []protocol.Node{child},
	}); err != nil {
		return err
	}
	c.logger.Debug("chat state sent", zap.String("chat", chat.String()), zap.String("state", state))
	return nil
}

// SendReceipt marks messages in a chat as read. An empty receiptType sends
// a delivery receipt.
func (c *Client) SendReceipt(chat protocol.JID, receiptType string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return fmt.Errorf("no message ids")
	}
	attrs := protocol.Attrs{
		"id": messageIDs[0],
		"to": chat.String(),
		"t":  strconv.FormatInt(time.Now().Unix(), 10),
	}
	if receiptType != "" {
		attrs["type"] = receiptType
	}

	node := protocol.Node{Tag: "receipt", Attrs: attrs}
	if len(messageIDs) > 1 {
		items := make([]protocol.Node, 0, len(messageIDs)-1)
		for _, id := range messageIDs[1:] {
			items = append(items, protocol.Node{Tag: "item", Attrs: protocol.Attrs{"id": id}})
		}
		node.Content = []protocol.Node{{Tag: "list", Content: items}}
	}
	return c.SendNode(node)
}

func (c *Client) handlePresence(n protocol.Node) {
	from, err := n.AttrJID("from")
	if err != nil {
		c.logger.Debug("presence without sender", zap.Error(err))
		return
	}
	ev := PresenceEvent{From: from.Normalized(), Status: n.AttrString("type")}
	if ev.Status == "" {
		ev.Status = PresenceAvailable
	}
	if last, err := strconv.ParseInt(n.AttrString("last"), 10, 64); err == nil {
		ev.LastSeen = time.Unix(last, 0)
	}
	if c.OnPresence != nil {
		c.OnPresence(ev)
	}
}

func (c *Client) handleChatState(n protocol.Node) {
	from, err := n.AttrJID("from")
	if err != nil {
		return
	}
	ev := ChatStateEvent{Chat: from.Normalized(), Sender: from.Normalized()}
	if p, err := n.AttrJID("participant"); err == nil {
		ev.Sender = p.Normalized()
	}
	children := n.GetChildren()
	if len(children) == 0 {
		return
	}
	ev.State = children[0].Tag
	if ev.State == ChatStateComposing && children[0].AttrString("media") == "audio" {
		ev.State = ChatStateRecording
	}
	if c.OnChatState != nil {
		c.OnChatState(ev)
	}
}

func (c *Client) handleReceipt(n protocol.Node) {
	from, err := n.AttrJID("from")
	if err != nil {
		return
	}
	ev := ReceiptEvent{
		Chat:       from.Normalized(),
		MessageIDs: []string{n.AttrString("id")},
		Type:       n.AttrString("type"),
	}
	if ts, err := strconv.ParseInt(n.AttrString("t"), 10, 64); err == nil {
		ev.Timestamp = time.Unix(ts, 0)
	}
	if list, ok := n.GetChildByTag("list"); ok {
		for _, item := range list.GetChildrenByTag("item") {
			ev.MessageIDs = append(ev.MessageIDs, item.AttrString("id"))
		}
	}

	ack := protocol.Attrs{"id": n.AttrString("id"), "class": "receipt", "to": n.AttrString("from")}
	if ev.Type != "" {
		ack["type"] = ev.Type
	}
	if err := c.SendNode(protocol.Node{Tag: "ack", Attrs: ack}); err != nil {
		c.logger.Warn("failed to ack receipt", zap.Error(err))
	}
	if c.OnReceipt != nil {
		c.OnReceipt(ev)
	}
}

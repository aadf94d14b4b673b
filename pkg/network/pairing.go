package network

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// AuthChallenge is something the user must act on to link the device: a QR
// code to scan or a pairing code to type on the phone.
type AuthChallenge interface {
	isAuthChallenge()
}

// QRChallenge carries the text to render as a QR code.
type QRChallenge struct {
	Payload string
}

// PairingCodeChallenge carries a code to enter on the primary device.
type PairingCodeChallenge struct {
	Code  string
	Phone string
}

func (QRChallenge) isAuthChallenge()          {}
func (PairingCodeChallenge) isAuthChallenge() {}

// QRPayload builds the QR text for one server ref: the ref followed by the
// noise, identity and advertisement keys in base64.
func (c *Client) QRPayload(ref string) string {
	noise := c.keys.NoiseKey()
	identity := c.keys.IdentityPublic()
	adv := c.keys.AdvSecret()
	return strings.Join([]string{
		ref,
		base64.StdEncoding.EncodeToString(noise.Public[:]),
		base64.StdEncoding.EncodeToString(identity[:]),
		base64.StdEncoding.EncodeToString(adv[:]),
	}, ",")
}

// handlePairDevice acks a pair-device iq and emits one QR challenge per ref.
func (c *Client) handlePairDevice(iq, pair protocol.Node) {
	if err := c.sendAck(iq); err != nil {
		c.logger.Warn("failed to ack pair-device", zap.Error(err))
		return
	}
	refs := pair.GetChildrenByTag("ref")
	for _, ref := range refs {
		data, ok := ref.ContentBytes()
		if !ok || len(data) == 0 {
			continue
		}
		c.emitChallenge(QRChallenge{Payload: c.QRPayload(string(data))})
	}
	c.logger.Info("pairing refs received", zap.Int("refs", len(refs)))
}

// handlePairSuccess stores the JID assigned by the primary device.
func (c *Client) handlePairSuccess(iq, success protocol.Node) {
	device, ok := success.GetChildByTag("device")
	if !ok {
		c.closeWithError(protocol.NewProtocolError("pair-success without <device>", nil))
		return
	}
	jid, err := device.AttrJID("jid")
	if err != nil {
		c.closeWithError(err)
		return
	}
	jid = jid.Normalized()

	name := c.keys.PushName()
	if biz, ok := success.GetChildByTag("biz"); ok && biz.AttrString("name") != "" {
		name = biz.AttrString("name")
	}
	c.keys.SetIdentity(jid, name)
	if token, ok := success.GetChildByTag("client_token"); ok {
		clientToken, _ := token.ContentBytes()
		var serverToken []byte
		if st, ok := success.GetChildByTag("server_token"); ok {
			serverToken, _ = st.ContentBytes()
		}
		c.keys.SetAuthTokens(clientToken, serverToken)
	}
	c.persistKeys()

	if err := c.sendAck(iq); err != nil {
		c.logger.Warn("failed to ack pair-success", zap.Error(err))
	}
	c.logger.Info("device paired", zap.String("jid", jid.String()))
	if c.OnPaired != nil {
		c.OnPaired(jid)
	}
}

// RequestPairingCode asks the server to link this device to phone by code
// instead of QR. The code is returned and also emitted as a challenge.
func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	phone = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(phone) < 6 {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}
	if c.keys.IsPaired() {
		return "", fmt.Errorf("device is already paired as %s", c.keys.JID())
	}

	code, err := generatePairingCode()
	if err != nil {
		return "", err
	}
	noise := c.keys.NoiseKey()
	identity := c.keys.IdentityPublic()

	_, err = c.SendIQ(ctx, protocol.Node{
		Tag:   "iq",
		Attrs: protocol.Attrs{"xmlns": "md", "type": "set", "to": protocol.DefaultUserServer},
		Content: []protocol.Node{{
			Tag: "link_code_companion_reg",
			Attrs: protocol.Attrs{
				"jid":                           protocol.NewJID(phone, protocol.DefaultUserServer).String(),
				"stage":                         "companion_hello",
				"should_show_push_notification": "true",
			},
			Content: []protocol.Node{
				{Tag: "link_code_pairing_ref", Content: []byte(code)},
				{Tag: "link_code_pairing_wrapped_companion_ephemeral", Content: noise.Public[:]},
				{Tag: "companion_server_auth_key_pub", Content: identity[:]},
				{Tag: "companion_platform_id", Content: "49"},
				{Tag: "companion_platform_display", Content: "Chrome (Linux)"},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("pairing code request failed: %w", err)
	}

	c.emitChallenge(PairingCodeChallenge{Code: code, Phone: phone})
	return code, nil
}

// generatePairingCode returns nine random digits as XXX-XXX-XXX.
func generatePairingCode() (string, error) {
	var sb strings.Builder
	for i := 0; i < 9; i++ {
		if i > 0 && i%3 == 0 {
			sb.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	return sb.String(), nil
}

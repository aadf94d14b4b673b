package network

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

// djbKeyType prefixes Curve25519 public keys on the wire.
const djbKeyType = 0x05

// PreKeyTracker is implemented by stores that remember which one-time
// pre-keys the server already holds.
type PreKeyTracker interface {
	MarkPreKeysUploaded(ids []uint32) error
}

func preKeyIDBytes(id uint32) []byte {
	return []byte{byte(id >> 16), byte(id >> 8), byte(id)}
}

// UploadPreKeys generates count one-time pre-keys and uploads them together
// with the identity and signed pre-key.
func (c *Client) UploadPreKeys(ctx context.Context, count int) ([]uint32, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid pre-key count %d", count)
	}
	ids, err := c.keys.AddOneTimeKeys(count)
	if err != nil {
		return nil, err
	}

	keys := make([]protocol.Node, 0, len(ids))
	for _, id := range ids {
		pk, ok := c.keys.OneTimeKey(id)
		if !ok {
			continue
		}
		keys = append(keys, protocol.Node{Tag: "key", Content: []protocol.Node{
			{Tag: "id", Content: preKeyIDBytes(id)},
			{Tag: "value", Content: append([]byte(nil), pk.Public[:]...)},
		}})
	}

	regID := make([]byte, 4)
	binary.BigEndian.PutUint32(regID, uint32(c.keys.RegistrationID()))
	identity := c.keys.IdentityPublic()
	spk := c.keys.SignedPreKey()

	_, err = c.SendIQ(ctx, protocol.Node{
		Tag:   "iq",
		Attrs: protocol.Attrs{"xmlns": "encrypt", "type": "set", "to": protocol.DefaultUserServer},
		Content: []protocol.Node{
			{Tag: "registration", Content: regID},
			{Tag: "type", Content: []byte{djbKeyType}},
			{Tag: "identity", Content: identity[:]},
			{Tag: "list", Content: keys},
			{Tag: "skey", Content: []protocol.Node{
				{Tag: "id", Content: preKeyIDBytes(spk.KeyID)},
				{Tag: "value", Content: spk.Public[:]},
				{Tag: "signature", Content: spk.Signature[:]},
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pre-key upload failed: %w", err)
	}

	c.persistKeys()
	if tracker, ok := c.store.(PreKeyTracker); ok {
		if err := tracker.MarkPreKeysUploaded(ids); err != nil {
			c.logger.Error("failed to mark pre-keys uploaded", zap.Error(err))
		}
	}
	c.logger.Info("uploaded pre-keys", zap.Int("count", len(ids)))
	return ids, nil
}

func (c *Client) ensurePreKeys() {
	if c.cfg.PreKeyBatch <= 0 || c.keys.OneTimeKeyCount() > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appStateSyncTimeout)
	defer cancel()
	if _, err := c.UploadPreKeys(ctx, c.cfg.PreKeyBatch); err != nil {
		c.logger.Warn("failed to upload pre-keys", zap.Error(err))
	}
}

package handshake

import (
	"strconv"

	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

// BuildClientPayload encodes the registration node sent inside ClientFinish.
// A paired device also announces its JID so the server resumes the session.
func BuildClientPayload(ks *keystore.KeyStore) ([]byte, error) {
	identity := ks.IdentityPublic()
	spk := ks.SignedPreKey()

	attrs := protocol.Attrs{
		"regid":     strconv.Itoa(int(ks.RegistrationID())),
		"client_id": ks.ClientID(),
	}
	if jid := ks.JID(); !jid.IsEmpty() {
		attrs["jid"] = jid.String()
		attrs["passive"] = "false"
	}
	if name := ks.PushName(); name != "" {
		attrs["push_name"] = name
	}

	node := protocol.Node{
		Tag:   "registration",
		Attrs: attrs,
		Content: []protocol.Node{
			{Tag: "identity", Content: identity[:]},
			{Tag: "key", Content: ks.SigningPublic()},
			{
				Tag: "skey",
				Attrs: protocol.Attrs{
					"id": strconv.FormatUint(uint64(spk.KeyID), 10),
					"t":  strconv.FormatUint(spk.Timestamp, 10),
				},
				Content: []protocol.Node{
					{Tag: "value", Content: spk.Public[:]},
					{Tag: "signature", Content: spk.Signature[:]},
				},
			},
		},
	}

	data, err := protocol.Marshal(node)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ClientPayload is the decoded registration node.
type ClientPayload struct {
	RegistrationID uint16
	ClientID       string
	JID            string
	PushName       string
	Identity       []byte
	SigningKey     []byte
	SignedPreKey   keystore.SignedPreKey
}

// ParseClientPayload decodes and checks a registration node.
func ParseClientPayload(data []byte) (*ClientPayload, error) {
	node, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if node.Tag != "registration" {
		return nil, protocol.NewProtocolError("unexpected payload <"+node.Tag+">", protocol.ErrInvalidNode)
	}

	regID, err := strconv.ParseUint(node.AttrString("regid"), 10, 16)
	if err != nil || regID == 0 || regID > keystore.MaxRegistrationID {
		return nil, protocol.NewProtocolError("invalid registration id", err)
	}

	p := &ClientPayload{
		RegistrationID: uint16(regID),
		ClientID:       node.AttrString("client_id"),
		JID:            node.AttrString("jid"),
		PushName:       node.AttrString("push_name"),
	}

	identity, ok := node.GetChildByTag("identity")
	if !ok {
		return nil, protocol.NewProtocolError("payload without identity", protocol.ErrInvalidNode)
	}
	p.Identity, _ = identity.ContentBytes()

	signing, ok := node.GetChildByTag("key")
	if !ok {
		return nil, protocol.NewProtocolError("payload without signing key", protocol.ErrInvalidNode)
	}
	p.SigningKey, _ = signing.ContentBytes()

	skey, ok := node.GetChildByTag("skey")
	if !ok {
		return nil, protocol.NewProtocolError("payload without signed pre-key", protocol.ErrInvalidNode)
	}
	id, err := strconv.ParseUint(skey.AttrString("id"), 10, 32)
	if err != nil {
		return nil, protocol.NewProtocolError("invalid signed pre-key id", err)
	}
	ts, err := strconv.ParseUint(skey.AttrString("t"), 10, 64)
	if err != nil {
		return nil, protocol.NewProtocolError("invalid signed pre-key timestamp", err)
	}
	value, _ := skey.GetChildByTag("value")
	sig, _ := skey.GetChildByTag("signature")
	pub, _ := value.ContentBytes()
	sigBytes, _ := sig.ContentBytes()
	if len(pub) != 32 || len(sigBytes) != keystore.SignatureSize || len(p.Identity) != 32 {
		return nil, protocol.NewProtocolError("malformed key material in payload", protocol.ErrInvalidNode)
	}

	p.SignedPreKey.KeyID = uint32(id)
	p.SignedPreKey.Timestamp = ts
	copy(p.SignedPreKey.Public[:], pub)
	copy(p.SignedPreKey.Signature[:], sigBytes)
	return p, nil
}

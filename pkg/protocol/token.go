package protocol

import "fmt"

// DictVersion is the dictionary version announced in the connection header.
const DictVersion = 3

// SingleByteTokens maps single byte values to strings. Byte values 0..2 are
// reserved for LIST_EMPTY, an unused slot and STREAM_END, so a token's byte
// value is its index in this table.
var SingleByteTokens = [...]string{
	"", "", "", "200", "400", "404", "500", "501", "502", "action", "add", "after", "archive",
	"author", "available", "battery", "before", "body", "broadcast", "chat", "clear", "code",
	"composing", "contacts", "count", "create", "debug", "delete", "demote", "duplicate",
	"encoding", "error", "false", "filehash", "from", "g.us", "group", "groups_v2", "height",
	"id", "image", "in", "index", "invis", "item", "jid", "kind", "last", "leave", "live", "log",
	"media", "message", "mimetype", "missing", "modify", "name", "notification", "notify", "out",
	"owner", "participant", "paused", "picture", "played", "presence", "preview", "promote",
	"query", "raw", "read", "receipt", "received", "recipient", "recording", "relay", "remove",
	"response", "resume", "retry", "s.whatsapp.net", "seconds", "set", "size", "status",
	"subject", "subscribe", "t", "text", "to", "true", "type", "unarchive", "unavailable", "url",
	"user", "value", "web", "width", "mute", "read_only", "admin", "creator", "short", "update",
	"powersave", "checksum", "epoch", "block", "previous", "409", "replaced", "reason", "spam",
	"modify_tag", "message_info", "delivery", "emoji", "title", "description", "canonical-url",
	"matched-text", "star", "unstar", "media_key", "filename", "identity", "unread", "page",
	"page_count", "search", "media_message", "security", "call_log", "profile", "ciphertext",
	"invite", "gif", "vcard", "frequent", "privacy", "blacklist", "whitelist", "verify",
	"location", "document", "elapsed", "revoke_invite", "expiration", "unsubscribe", "disable",
	"vname", "old_jid", "new_jid", "announcement", "locked", "prop", "label", "color", "call",
	"offer", "call-id", "quick_reply", "sticker", "pay_t", "accept", "reject", "sticker_pack",
	"invalid", "canceled", "missed", "connected", "result", "audio", "video", "recent",
}

// DoubleByteTokens holds the tokens reached through the DICTIONARY_0..3 tag
// bytes followed by one index byte.
var DoubleByteTokens = [...][]string{
	{
		"xmlns", "iq", "get", "w:sync:app:state", "sync", "collection", "collections", "patches",
		"patch", "snapshot", "mutation", "mutations", "regular", "critical_block",
		"critical_unblock_low", "regular_high", "regular_low", "return_snapshot", "version",
		"key_id", "snapshot_mac", "patch_mac", "has_more_patches", "pair-device", "pair-success",
		"ref", "device-identity", "platform", "business", "success", "failure", "stream:error", "ib",
		"offline", "offline_preview", "passive", "active", "md", "usync", "devices", "device", "lid",
		"push_name", "prekey", "skey", "registration", "signature", "key", "list", "regid", "w:p",
		"ping", "pong", "ack", "class", "chatstate", "timestamp", "w", "keygen", "dirty", "creation",
		"w:profile:picture", "encrypt", "enc", "pkmsg", "msg", "retry_count", "sender_lid", "server",
		"unified_session", "xml-not-well-formed", "conflict", "expired", "logout",
	},
	{
		"link_code_companion_reg", "companion_platform_id", "companion_platform_display",
		"companion_server_auth_key_pub", "link_code_pairing_wrapped_companion_ephemeral_pub",
		"link_code_pairing_nonce", "link_code_pairing_ref", "companion_hello", "companion_finish",
		"primary_hello", "stage", "should_show_push_notification", "phone", "jid_pair",
		"client_token", "server_token", "adv_secret", "noise_key", "identity_key", "signed_pre_key",
	},
	{},
	{},
}

var (
	singleByteIndex = make(map[string]byte, len(SingleByteTokens))
	doubleByteIndex = make(map[string]doubleByteToken)
)

type doubleByteToken struct {
	dict  byte
	index byte
}

func init() {
	for i, tok := range SingleByteTokens {
		if tok != "" {
			singleByteIndex[tok] = byte(i)
		}
	}
	for dict, tokens := range DoubleByteTokens {
		for i, tok := range tokens {
			doubleByteIndex[tok] = doubleByteToken{dict: byte(dict), index: byte(i)}
		}
	}
}

// IndexOfSingleToken returns the byte value of a single byte token.
func IndexOfSingleToken(token string) (byte, bool) {
	idx, ok := singleByteIndex[token]
	return idx, ok
}

// IndexOfDoubleByteToken returns the dictionary number and index byte of a
// double byte token.
func IndexOfDoubleByteToken(token string) (byte, byte, bool) {
	t, ok := doubleByteIndex[token]
	return t.dict, t.index, ok
}

// GetSingleToken returns the string for a single byte token value.
func GetSingleToken(b byte) (string, error) {
	if int(b) < 3 || int(b) >= len(SingleByteTokens) || b >= Dictionary0 {
		return "", NewFormatError(fmt.Sprintf("single byte token %d", b), ErrInvalidToken)
	}
	return SingleByteTokens[b], nil
}

// GetDoubleToken returns the string stored at index in the given dictionary.
func GetDoubleToken(dict, index byte) (string, error) {
	if int(dict) >= len(DoubleByteTokens) {
		return "", NewFormatError(fmt.Sprintf("dictionary %d", dict), ErrInvalidToken)
	}
	tokens := DoubleByteTokens[dict]
	if int(index) >= len(tokens) {
		return "", NewFormatError(fmt.Sprintf("double byte token %d:%d", dict, index), ErrInvalidToken)
	}
	return tokens[index], nil
}

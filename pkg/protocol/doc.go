// Package protocol implements the binary stanza format spoken by the
// multi-device chat server.
//
// # Nodes
//
// Every stanza is a Node: a tag, a string attribute map and optional content
// that is either text, a binary payload or a list of child nodes. Marshal and
// Unmarshal convert between Node trees and the compact wire encoding.
//
// # Wire Encoding
//
// A node is written as a list whose size is 1 + 2*len(attrs), plus one when
// content is present, so an even size signals content:
//   - LIST_EMPTY (0), LIST_8 (248) + 1 byte, LIST_16 (249) + 2 bytes
//   - tag string, then key/value strings in sorted key order, then content
//
// Strings are written in the most compact form available:
//   - single byte token (byte value == SingleByteTokens index)
//   - double byte token: DICTIONARY_0..3 (236..239) + index byte
//   - JID_PAIR (250) + user + server for strings containing '@'; an empty
//     user is written as LIST_EMPTY
//   - NIBBLE_8 (255) for digits, '-' and '.'; HEX_8 (251) for 0-9A-F
//   - BINARY_8 (252), BINARY_20 (253) or BINARY_32 (254) raw bytes
//
// The s.whatsapp.net token decodes as the legacy "c.us" spelling, and both
// spellings encode to the same token.
//
// # Frames
//
// A connection starts with the 4-byte ConnHeader. Every message after that
// is a frame with a 3-byte big-endian length. After the handshake, frame
// payloads are encrypted; once decrypted they begin with a flag byte that
// marks zlib compression (see Pack and Unpack).
//
// # Errors
//
// All codec failures are *Error values of KindFormat wrapping a sentinel
// such as ErrUnexpectedEOF or ErrInvalidToken:
//
//	node, err := protocol.Unmarshal(data)
//	if errors.Is(err, protocol.ErrUnexpectedEOF) {
//	    // truncated frame
//	}
//
// The same Error type carries protocol, crypto and sync failures for the
// handshake and appstate packages.
package protocol

package protocol

import (
	"fmt"
	"strings"
)

// Marshal encodes a node tree into its binary form.
func Marshal(n Node) ([]byte, error) {
	e := &encoder{data: make([]byte, 0, 64)}
	if err := e.writeNode(n); err != nil {
		return nil, err
	}
	return e.data, nil
}

type encoder struct {
	data []byte
}

func (e *encoder) pushByte(b byte) {
	e.data = append(e.data, b)
}

func (e *encoder) pushBytes(b []byte) {
	e.data = append(e.data, b...)
}

func (e *encoder) pushIntN(value, n int) {
	for i := n - 1; i >= 0; i-- {
		e.data = append(e.data, byte(value>>(i*8)))
	}
}

func (e *encoder) writeNode(n Node) error {
	if n.Tag == "" {
		return NewFormatError("node without tag", ErrInvalidNode)
	}

	hasContent := 0
	if n.Content != nil {
		hasContent = 1
	}

	if err := e.writeListStart(1 + 2*len(n.Attrs) + hasContent); err != nil {
		return err
	}
	if err := e.writeString(n.Tag, false); err != nil {
		return err
	}

	for _, k := range n.sortedAttrKeys() {
		if err := e.writeString(k, false); err != nil {
			return err
		}
		if err := e.writeString(n.Attrs[k], false); err != nil {
			return err
		}
	}

	if n.Content != nil {
		return e.writeContent(n.Content)
	}
	return nil
}

func (e *encoder) writeContent(content any) error {
	switch c := content.(type) {
	case string:
		return e.writeString(c, true)
	case []byte:
		return e.writeBytes(c)
	case []Node:
		if err := e.writeListStart(len(c)); err != nil {
			return err
		}
		for _, child := range c {
			if err := e.writeNode(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return NewFormatError(fmt.Sprintf("unsupported content type %T", content), ErrInvalidNode)
	}
}

func (e *encoder) writeListStart(size int) error {
	switch {
	case size == 0:
		e.pushByte(ListEmpty)
	case size < maxList8:
		e.pushByte(List8)
		e.pushByte(byte(size))
	case size < maxList16:
		e.pushByte(List16)
		e.pushIntN(size, 2)
	default:
		return NewFormatError(fmt.Sprintf("list of %d items", size), ErrListTooLarge)
	}
	return nil
}

// writeString picks the most compact representation: token, JID, packed
// digits or hex, and finally raw bytes. text is set for node content, where
// the legacy c.us spelling is written verbatim.
func (e *encoder) writeString(s string, text bool) error {
	if !text && s == LegacyUserServer {
		s = DefaultUserServer
	}

	if idx, ok := IndexOfSingleToken(s); ok {
		e.pushByte(idx)
		return nil
	}
	if dict, idx, ok := IndexOfDoubleByteToken(s); ok {
		return e.writeDoubleByteToken(int(dict)*256 + int(idx))
	}

	if user, server, ok := strings.Cut(s, "@"); ok && server != "" {
		return e.writeJID(user, server)
	}

	if packable(s, nibbleIndex) {
		return e.writePacked(s, Nibble8, nibbleIndex)
	}
	if packable(s, hexIndex) {
		return e.writePacked(s, Hex8, hexIndex)
	}

	return e.writeBytes([]byte(s))
}

// writeDoubleByteToken writes overflow, the index past the single byte
// range, as a dictionary selector and one index byte.
func (e *encoder) writeDoubleByteToken(overflow int) error {
	if overflow < 0 || overflow >= maxDoubleByteIndex {
		return NewFormatError(fmt.Sprintf("double byte token index %d", overflow), ErrInvalidToken)
	}
	e.pushByte(Dictionary0 + byte(overflow>>8))
	e.pushByte(byte(overflow & 0xFF))
	return nil
}

func (e *encoder) writeJID(user, server string) error {
	e.pushByte(JIDPair)
	if user == "" {
		e.pushByte(ListEmpty)
	} else if err := e.writeString(user, false); err != nil {
		return err
	}
	return e.writeString(server, false)
}

func (e *encoder) writeBytes(b []byte) error {
	length := uint64(len(b))
	switch {
	case length < maxBinary8:
		e.pushByte(Binary8)
		e.pushByte(byte(length))
	case length < maxBinary20:
		e.pushByte(Binary20)
		e.pushByte(byte(length>>16) & 0x0F)
		e.pushByte(byte(length >> 8))
		e.pushByte(byte(length))
	case length < maxBinary32:
		e.pushByte(Binary32)
		e.pushIntN(int(length), 4)
	default:
		return NewFormatError(fmt.Sprintf("string of %d bytes", length), ErrStringTooLarge)
	}
	e.pushBytes(b)
	return nil
}

func (e *encoder) writePacked(s string, tag byte, index func(byte) (byte, bool)) error {
	e.pushByte(tag)

	count := (len(s) + 1) / 2
	header := byte(count)
	if len(s)%2 != 0 {
		header |= 0x80
	}
	e.pushByte(header)

	for i := 0; i < len(s); i += 2 {
		hi, _ := index(s[i])
		lo := byte(packedTerminator)
		if i+1 < len(s) {
			lo, _ = index(s[i+1])
		}
		e.pushByte(hi<<4 | lo)
	}
	return nil
}

const packedTerminator = 15

func packable(s string, index func(byte) (byte, bool)) bool {
	if len(s) == 0 || len(s) > PackedMax {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := index(s[i]); !ok {
			return false
		}
	}
	return true
}

func nibbleIndex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c == '-':
		return 10, true
	case c == '.':
		return 11, true
	default:
		return 0, false
	}
}

func hexIndex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

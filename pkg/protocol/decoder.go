package protocol

import (
	"fmt"
	"unicode/utf8"
)

// Unmarshal decodes exactly one node from data.
func Unmarshal(data []byte) (Node, error) {
	d := &decoder{data: data}
	n, err := d.readNode()
	if err != nil {
		return Node{}, err
	}
	if d.index != len(d.data) {
		return Node{}, NewFormatError(fmt.Sprintf("%d bytes left", len(d.data)-d.index), ErrTrailingData)
	}
	return n, nil
}

// MaxDepth bounds node nesting on decode.
const MaxDepth = 64

type decoder struct {
	data  []byte
	index int
	depth int
}

func (d *decoder) checkEOS(length int) error {
	if length < 0 || d.index+length > len(d.data) {
		return NewFormatError(fmt.Sprintf("need %d bytes at offset %d", length, d.index), ErrUnexpectedEOF)
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.checkEOS(1); err != nil {
		return 0, err
	}
	b := d.data[d.index]
	d.index++
	return b, nil
}

func (d *decoder) readIntN(n int) (int, error) {
	if err := d.checkEOS(n); err != nil {
		return 0, err
	}
	var ret int
	for i := 0; i < n; i++ {
		ret = ret<<8 | int(d.data[d.index+i])
	}
	d.index += n
	return ret, nil
}

func (d *decoder) readRaw(length int) ([]byte, error) {
	if err := d.checkEOS(length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, d.data[d.index:d.index+length])
	d.index += length
	return out, nil
}

func (d *decoder) readListSize(tag byte) (int, error) {
	switch tag {
	case ListEmpty:
		return 0, nil
	case List8:
		return d.readIntN(1)
	case List16:
		return d.readIntN(2)
	default:
		return 0, NewFormatError(fmt.Sprintf("expected list tag, got %d", tag), ErrInvalidTag)
	}
}

func (d *decoder) readNode() (Node, error) {
	if d.depth >= MaxDepth {
		return Node{}, NewFormatError(fmt.Sprintf("nesting deeper than %d", MaxDepth), ErrTooDeep)
	}
	d.depth++
	defer func() { d.depth-- }()

	listTag, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	size, err := d.readListSize(listTag)
	if err != nil {
		return Node{}, err
	}
	if size == 0 {
		return Node{}, NewFormatError("empty node list", ErrInvalidNode)
	}

	tagByte, err := d.readByte()
	if err != nil {
		return Node{}, err
	}
	tag, err := d.readString(tagByte)
	if err != nil {
		return Node{}, err
	}
	if tag == "" {
		return Node{}, NewFormatError("empty node tag", ErrInvalidNode)
	}

	n := Node{Tag: tag}
	attrCount := (size - 1) / 2
	if attrCount > 0 {
		n.Attrs = make(Attrs, attrCount)
	}
	for i := 0; i < attrCount; i++ {
		key, err := d.readNextString()
		if err != nil {
			return Node{}, err
		}
		value, err := d.readNextString()
		if err != nil {
			return Node{}, err
		}
		n.Attrs[key] = value
	}

	if size%2 == 0 {
		content, err := d.readContent()
		if err != nil {
			return Node{}, err
		}
		n.Content = content
	}
	return n, nil
}

func (d *decoder) readContent() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case ListEmpty, List8, List16:
		size, err := d.readListSize(tag)
		if err != nil {
			return nil, err
		}
		// Every child takes at least two bytes.
		children := make([]Node, 0, min(size, (len(d.data)-d.index)/2))
		for i := 0; i < size; i++ {
			child, err := d.readNode()
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return children, nil
	case Binary8, Binary20, Binary32:
		length, err := d.readBinaryLength(tag)
		if err != nil {
			return nil, err
		}
		return d.readRaw(length)
	default:
		return d.readString(tag)
	}
}

func (d *decoder) readNextString() (string, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	return d.readString(tag)
}

func (d *decoder) readString(tag byte) (string, error) {
	switch {
	case tag == ListEmpty:
		return "", nil
	case tag >= 3 && tag < Dictionary0:
		tok, err := GetSingleToken(tag)
		if err != nil {
			return "", err
		}
		if tok == DefaultUserServer {
			return LegacyUserServer, nil
		}
		return tok, nil
	case tag >= Dictionary0 && tag <= Dictionary3:
		index, err := d.readByte()
		if err != nil {
			return "", err
		}
		return GetDoubleToken(tag-Dictionary0, index)
	case tag == JIDPair:
		return d.readJIDPair()
	case tag == Nibble8 || tag == Hex8:
		return d.readPacked(tag)
	case tag == Binary8 || tag == Binary20 || tag == Binary32:
		length, err := d.readBinaryLength(tag)
		if err != nil {
			return "", err
		}
		raw, err := d.readRaw(length)
		if err != nil {
			return "", err
		}
		if !utf8.Valid(raw) {
			return "", NewFormatError(fmt.Sprintf("%d byte string", length), ErrInvalidUTF8)
		}
		return string(raw), nil
	default:
		return "", NewFormatError(fmt.Sprintf("unexpected string tag %d", tag), ErrInvalidTag)
	}
}

func (d *decoder) readBinaryLength(tag byte) (int, error) {
	switch tag {
	case Binary8:
		return d.readIntN(1)
	case Binary20:
		if err := d.checkEOS(3); err != nil {
			return 0, err
		}
		length := int(d.data[d.index]&0x0F)<<16 | int(d.data[d.index+1])<<8 | int(d.data[d.index+2])
		d.index += 3
		return length, nil
	default:
		length, err := d.readIntN(4)
		if err != nil {
			return 0, err
		}
		if length > len(d.data)-d.index {
			return 0, NewFormatError(fmt.Sprintf("declared length %d exceeds input", length), ErrStringTooLarge)
		}
		return length, nil
	}
}

func (d *decoder) readJIDPair() (string, error) {
	user, err := d.readNextString()
	if err != nil {
		return "", err
	}
	server, err := d.readNextString()
	if err != nil {
		return "", err
	}
	if user == "" && server == "" {
		return "", NewFormatError("jid pair with empty user and server", ErrInvalidNode)
	}
	return user + "@" + server, nil
}

func (d *decoder) readPacked(tag byte) (string, error) {
	header, err := d.readByte()
	if err != nil {
		return "", err
	}
	count := int(header & 0x7F)
	odd := header&0x80 != 0

	raw, err := d.readRaw(count)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, count*2)
	for i, b := range raw {
		hi, err := unpackNibble(tag, b>>4)
		if err != nil {
			return "", err
		}
		out = append(out, hi)
		if odd && i == count-1 {
			break
		}
		lo, err := unpackNibble(tag, b&0x0F)
		if err != nil {
			return "", err
		}
		out = append(out, lo)
	}
	return string(out), nil
}

func unpackNibble(tag, v byte) (byte, error) {
	if tag == Hex8 {
		switch {
		case v < 10:
			return '0' + v, nil
		default:
			return 'A' + v - 10, nil
		}
	}
	switch {
	case v < 10:
		return '0' + v, nil
	case v == 10:
		return '-', nil
	case v == 11:
		return '.', nil
	default:
		return 0, NewFormatError(fmt.Sprintf("invalid nibble %d", v), ErrInvalidTag)
	}
}

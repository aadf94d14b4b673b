package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Tag bytes of the binary node format
const (
	ListEmpty   byte = 0
	StreamEnd   byte = 2
	Dictionary0 byte = 236
	Dictionary1 byte = 237
	Dictionary2 byte = 238
	Dictionary3 byte = 239
	List8       byte = 248
	List16      byte = 249
	JIDPair     byte = 250
	Hex8        byte = 251
	Binary8     byte = 252
	Binary20    byte = 253
	Binary32    byte = 254
	Nibble8     byte = 255
)

// Length limits
const (
	// PackedMax is the longest string that fits a NIBBLE_8 or HEX_8 payload.
	PackedMax = 254

	maxList8    = 1 << 8
	maxList16   = 1 << 16
	maxBinary8  = 1 << 8
	maxBinary20 = 1 << 20
	maxBinary32 = 1 << 32

	maxDoubleByteIndex = 4 * 256
)

// Frame flags carried in the first byte of a decrypted payload
const (
	FlagCompressed byte = 0x02
)

// GenerateMessageID generates a random uppercase hex message or request id
// in the format used for iq and message stanzas.
func GenerateMessageID() string {
	var id [16]byte
	timestamp := time.Now().UnixNano()
	binary.BigEndian.PutUint64(id[0:8], uint64(timestamp))

	if _, err := rand.Read(id[8:]); err != nil {
		binary.BigEndian.PutUint64(id[8:], uint64(timestamp^0x5A5A5A5A))
	}

	return strings.ToUpper(hex.EncodeToString(id[4:]))
}

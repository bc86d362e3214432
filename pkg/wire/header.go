package wire

import (
	"encoding/binary"
	"errors"
)

// Fixed header layout (24 bytes) for fast parsing over any channel.
// All integer fields are little-endian.
//
//  0  ..1   Magic   'T''B' (0x5442)
//  2        Version u8
//  3        Kind    u8
//  4  ..7   Flags   u32
//  8  ..15  CallID  u64
//  16 ..19  PayloadLen u32
//  20 ..23  Reserved u32
const (
	headerSize = 24
	magicWord  = uint16(0x5442) // 'T''B'
)

// Flags bitmask (uint32)
const (
	FlagError uint32 = 1 << 0 // reply carries an error body
)

// Header describes metadata for an envelope.
type Header struct {
	Version    uint8
	Kind       uint8
	Flags      uint32
	CallID     uint64
	PayloadLen uint32
}

// MarshalBinary encodes header to a 24-byte buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = h.Kind
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.CallID)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	// 20..23 reserved stays zero
	return buf, nil
}

// UnmarshalBinary decodes header from a 24-byte buffer.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return errors.New("short header")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return errors.New("bad magic")
	}
	h.Version = buf[2]
	h.Kind = buf[3]
	h.Flags = binary.LittleEndian.Uint32(buf[4:8])
	h.CallID = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	return nil
}

package transfer

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of the transfer header: a single unsigned 64-bit
// integer, big-endian, carrying the total number of file bytes that follow.
const HeaderSize = 8

// EncodeHeader writes the total transfer length into the first HeaderSize
// bytes of buf.
func EncodeHeader(buf []byte, total uint64) {
	binary.BigEndian.PutUint64(buf[:HeaderSize], total)
}

// DecodeHeader reads the total transfer length from buf. A buffer shorter
// than HeaderSize means the peer's header message was truncated.
func DecodeHeader(buf []byte) (uint64, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("header too small: got %d bytes, need %d", len(buf), HeaderSize)
	}
	return binary.BigEndian.Uint64(buf[:HeaderSize]), nil
}

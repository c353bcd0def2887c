package transfer

import (
	"math"
	"testing"
)

// TestHeaderRoundTrip verifies that decoding the big-endian encoding of a
// length yields the same length, across the whole representable range.
func TestHeaderRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 7, 8, 255, 256, 4095, 4096, 4097, 5000,
		1 << 20, 1 << 32, 1<<32 + 1, math.MaxInt64, math.MaxUint64,
	}
	for _, v := range values {
		buf := make([]byte, HeaderSize)
		EncodeHeader(buf, v)
		got, err := DecodeHeader(buf)
		if err != nil {
			t.Fatalf("DecodeHeader(%d) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip of %d yielded %d", v, got)
		}
	}
}

// TestHeaderEncodingIsBigEndian pins the wire byte order.
func TestHeaderEncodingIsBigEndian(t *testing.T) {
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, 0x0102030405060708)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d: got %#02x, want %#02x", i, buf[i], want[i])
		}
	}
}

// TestDecodeHeaderTruncated verifies that a short header message is rejected
// instead of being zero-padded.
func TestDecodeHeaderTruncated(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, err := DecodeHeader(make([]byte, n)); err == nil {
			t.Errorf("DecodeHeader accepted a %d-byte header", n)
		}
	}
}

// Package transfer implements the header-plus-chunk protocol used to move
// one file across a connected pair of queue endpoints.
//
// The protocol is stop-and-wait: at most one work request is outstanding per
// endpoint at any time, and the single registered buffer is never reused
// until the completion for the previous operation on it has been observed.
package transfer

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Work request identifiers, reported back in completions.
const (
	IDHeader uint64 = 1
	IDChunk  uint64 = 2
)

// Completion reports the outcome of exactly one previously posted work
// request. For receives, ByteLen carries the number of bytes the hardware
// actually landed in the buffer, which may be less than the posted capacity.
type Completion struct {
	RequestID uint64
	ByteLen   int
	Err       error
}

// Endpoint couples a connected queue pair with its one registered buffer.
// Implementations are *rdma.Conn in production and a loopback pair in tests.
type Endpoint interface {
	// Buffer returns the registered region at full capacity. Callers may
	// only touch it between a completion and the next post.
	Buffer() []byte
	// PostSend posts one send work request for Buffer()[:length].
	PostSend(length int, id uint64) error
	// PostRecv posts one receive work request for the full buffer capacity.
	PostRecv(id uint64) error
	// PollOne blocks until exactly one completion record is available.
	PollOne() (Completion, error)
}

// Send pushes size bytes from src to the peer: one header message, then raw
// chunks of up to the buffer capacity, each waited to completion before the
// buffer is reused. It returns the canonical digest of the bytes sent.
//
// src must deliver exactly size bytes; a short read is a fatal local I/O
// error (the source shrank since it was measured).
func Send(ep Endpoint, src io.Reader, size uint64) (digest.Digest, error) {
	buf := ep.Buffer()
	if len(buf) < HeaderSize {
		return "", fmt.Errorf("buffer capacity %d below header size %d", len(buf), HeaderSize)
	}

	EncodeHeader(buf, size)
	if err := ep.PostSend(HeaderSize, IDHeader); err != nil {
		return "", fmt.Errorf("post header send: %w", err)
	}
	if err := waitOne(ep, "header send"); err != nil {
		return "", err
	}

	digester := digest.Canonical.Digester()
	var sent uint64
	for sent < size {
		n := len(buf)
		if remaining := size - sent; remaining < uint64(n) {
			n = int(remaining)
		}
		if _, err := io.ReadFull(src, buf[:n]); err != nil {
			return "", fmt.Errorf("read source at offset %d: %w", sent, err)
		}
		if err := ep.PostSend(n, IDChunk); err != nil {
			return "", fmt.Errorf("post chunk send at offset %d: %w", sent, err)
		}
		if err := waitOne(ep, "chunk send"); err != nil {
			return "", err
		}
		digester.Hash().Write(buf[:n])
		sent += uint64(n)
	}
	return digester.Digest(), nil
}

// Receive consumes one header message and the following chunk stream from
// the peer, writing the payload bytes to dst in order. The caller must have
// posted one receive before the peer could send the header; Receive owns all
// reposting from there on. It returns the number of bytes written and their
// canonical digest.
//
// A fresh receive is posted only while more bytes are expected. In
// particular a zero-length transfer terminates without posting or polling
// anything beyond the header.
func Receive(ep Endpoint, dst io.Writer) (uint64, digest.Digest, error) {
	buf := ep.Buffer()

	hc, err := ep.PollOne()
	if err != nil {
		return 0, "", fmt.Errorf("poll header: %w", err)
	}
	if hc.Err != nil {
		return 0, "", fmt.Errorf("header receive completion: %w", hc.Err)
	}
	size, err := DecodeHeader(buf[:hc.ByteLen])
	if err != nil {
		return 0, "", err
	}

	digester := digest.Canonical.Digester()
	var total uint64
	if total < size {
		if err := ep.PostRecv(IDChunk); err != nil {
			return 0, "", fmt.Errorf("post first chunk receive: %w", err)
		}
	}
	for total < size {
		c, err := ep.PollOne()
		if err != nil {
			return total, "", fmt.Errorf("poll chunk at offset %d: %w", total, err)
		}
		if c.Err != nil {
			return total, "", fmt.Errorf("chunk receive completion at offset %d: %w", total, c.Err)
		}
		if n := uint64(c.ByteLen); n > 0 {
			if total+n > size {
				return total, "", fmt.Errorf("peer sent %d bytes beyond the announced total %d", total+n-size, size)
			}
			if _, err := dst.Write(buf[:c.ByteLen]); err != nil {
				return total, "", fmt.Errorf("write destination at offset %d: %w", total, err)
			}
			digester.Hash().Write(buf[:c.ByteLen])
			total += n
		}
		// Repost only while more bytes are expected. A receive posted after
		// the final chunk would never be fulfilled.
		if total < size {
			if err := ep.PostRecv(IDChunk); err != nil {
				return total, "", fmt.Errorf("post chunk receive at offset %d: %w", total, err)
			}
		}
	}
	return total, digester.Digest(), nil
}

// waitOne polls a single completion and folds both the polling error and a
// non-success completion status into one fatal error.
func waitOne(ep Endpoint, op string) error {
	c, err := ep.PollOne()
	if err != nil {
		return fmt.Errorf("poll %s: %w", op, err)
	}
	if c.Err != nil {
		return fmt.Errorf("%s completion: %w", op, c.Err)
	}
	return nil
}

package wire

import (
	"errors"
	"fmt"
)

const (
	shortBlockLimit = 0x8000

	// MaxBlockSize is the largest block the 4-byte header can describe.
	MaxBlockSize = 1 << 31
)

var ErrBlockSize = errors.New("wire: invalid block size")

// BlockHeaderSize returns the size of the header describing a block of
// length bytes.
func BlockHeaderSize(length int) int {
	if length-1 < shortBlockLimit {
		return 2
	}
	return 4
}

// AppendBlockHeader appends the client block header for a block of length
// bytes: length-1 on 15 bits, or on 31 bits with the high bit of the
// second byte set.
func AppendBlockHeader(dst []byte, length int) []byte {
	if length <= 0 || length > MaxBlockSize {
		panic(fmt.Errorf("%w: %d", ErrBlockSize, length))
	}
	n := uint32(length - 1)
	if n < shortBlockLimit {
		return append(dst, byte(n), byte(n>>8))
	}
	return append(dst, byte(n), byte(n>>8)|0x80, byte(n>>15), byte(n>>23))
}

// ParseBlockHeader decodes a block header at the start of p. ok is false
// while p is too short to contain the whole header.
func ParseBlockHeader(p []byte) (length, headerSize int, ok bool) {
	if len(p) < 2 {
		return 0, 0, false
	}
	if p[1]&0x80 == 0 {
		n := int(p[0]) | int(p[1])<<8
		return n + 1, 2, true
	}
	if len(p) < 4 {
		return 0, 0, false
	}
	n := int(p[0]) | int(p[1]&0x7f)<<8 | int(p[2])<<15 | int(p[3])<<23
	return n + 1, 4, true
}

// Block is one application block received from a client.
type Block struct {
	Sequence byte
	Payload  []byte
}

// ParseBlock decodes a client block at the start of p: header, one
// sequence byte, then the payload. consumed is zero while the block is
// incomplete. Payload aliases p.
func ParseBlock(p []byte) (blk Block, consumed int) {
	length, hsize, ok := ParseBlockHeader(p)
	if !ok {
		return Block{}, 0
	}
	total := hsize + 1 + length
	if total < 0 || len(p) < total {
		return Block{}, 0
	}
	return Block{
		Sequence: p[hsize],
		Payload:  p[hsize+1 : total],
	}, total
}

// AppendBlock appends a complete inbound-style block (header, sequence,
// payload). Used by load generators and tests acting as clients.
func AppendBlock(dst []byte, seq byte, payload []byte) []byte {
	dst = AppendBlockHeader(dst, len(payload))
	dst = append(dst, seq)
	return append(dst, payload...)
}

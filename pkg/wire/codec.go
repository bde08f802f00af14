// Package wire implements the framing used between the gateway and the
// logic process, plus the block header used on client sockets.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrProtocolViolation = errors.New("wire: protocol violation")
	ErrTruncated         = errors.New("wire: truncated record")
	ErrMalformed         = errors.New("wire: malformed field")
	ErrUnknownOpcode     = errors.New("wire: unknown opcode")
	ErrInvalidClientID   = errors.New("wire: client id must be positive")
	ErrFrameSize         = errors.New("wire: invalid frame size")
)

func violation(cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrProtocolViolation, cause, fmt.Sprintf(format, args...))
}

// reader consumes the fields of a single frame. The first error sticks,
// so callers may decode a whole record and check once.
type reader struct {
	buf []byte
	err error
}

func (r *reader) remaining() int {
	return len(r.buf)
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.fail(violation(ErrTruncated, "need %d bytes, have %d", n, len(r.buf)))
		return nil
	}
	p := r.buf[:n]
	r.buf = r.buf[n:]
	return p
}

func (r *reader) u8() byte {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) u16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *reader) i32() int32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(p))
}

func (r *reader) boolean() bool {
	b := r.u8()
	if b > 1 {
		r.fail(violation(ErrMalformed, "boolean out of range: %d", b))
		return false
	}
	return b == 1
}

func (r *reader) clientID() int32 {
	id := r.i32()
	if r.err == nil && id <= 0 {
		r.fail(violation(ErrInvalidClientID, "got %d", id))
	}
	return id
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	size, n := protowire.ConsumeVarint(r.buf)
	if err := protowire.ParseError(n); err != nil {
		r.fail(violation(ErrMalformed, "bad length prefix: %s", err))
		return nil
	}
	if size > math.MaxInt32 {
		r.fail(violation(ErrMalformed, "length prefix overflows 32 bits: %d", size))
		return nil
	}
	r.buf = r.buf[n:]
	p := r.take(int(size))
	if len(p) == 0 {
		return nil
	}
	// Frames are recycled by the decoder, records must own their data.
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

func (r *reader) str() string {
	p := r.bytes()
	if r.err == nil && !utf8.Valid(p) {
		r.fail(violation(ErrMalformed, "string is not valid utf-8"))
		return ""
	}
	return string(p)
}

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendI32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendBytes(b []byte, p []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(p)))
	return append(b, p...)
}

func appendString(b []byte, s string) []byte {
	b = protowire.AppendVarint(b, uint64(len(s)))
	return append(b, s...)
}

package wire

import "encoding/binary"

const (
	// FrameHeaderSize is the size of the little-endian length prefix.
	FrameHeaderSize = 4

	// MaxFrameSize bounds what a peer may ask us to buffer.
	MaxFrameSize = 16 << 20
)

// AppendFrame appends payload to dst, prefixed with its length.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// FrameBuilder accumulates records into a single frame. The length prefix
// is reserved up-front and patched by Bytes.
type FrameBuilder struct {
	buf []byte
}

func (fb *FrameBuilder) reserve() {
	if len(fb.buf) == 0 {
		fb.buf = append(fb.buf, 0, 0, 0, 0)
	}
}

// AddCommand appends one record to the frame.
func (fb *FrameBuilder) AddCommand(c Command) {
	fb.reserve()
	fb.buf = c.appendTo(fb.buf)
}

// AddEvent appends one record to the frame.
func (fb *FrameBuilder) AddEvent(e Event) {
	fb.reserve()
	fb.buf = e.appendTo(fb.buf)
}

// Empty reports whether no record was added since the last Detach.
func (fb *FrameBuilder) Empty() bool {
	return len(fb.buf) <= FrameHeaderSize
}

// Bytes returns the encoded frame. The slice stays valid until the next
// record is added.
func (fb *FrameBuilder) Bytes() []byte {
	if fb.Empty() {
		return nil
	}
	binary.LittleEndian.PutUint32(fb.buf, uint32(len(fb.buf)-FrameHeaderSize))
	return fb.buf
}

// Detach returns the encoded frame and starts a fresh one, leaving the
// returned slice owned by the caller.
func (fb *FrameBuilder) Detach() []byte {
	out := fb.Bytes()
	fb.buf = nil
	return out
}

// FrameDecoder splits a byte stream into frames. Partial frames are kept
// until enough bytes are fed.
type FrameDecoder struct {
	buf []byte
	off int
}

// Feed appends bytes received from the stream.
func (fd *FrameDecoder) Feed(p []byte) {
	if fd.off > 0 && fd.off == len(fd.buf) {
		fd.buf = fd.buf[:0]
		fd.off = 0
	}
	fd.buf = append(fd.buf, p...)
}

// Next returns the next complete frame payload. The payload aliases the
// decoder buffer and is only valid until the next call to Next or Feed.
func (fd *FrameDecoder) Next() ([]byte, bool, error) {
	pending := fd.buf[fd.off:]
	if len(pending) < FrameHeaderSize {
		fd.compact()
		return nil, false, nil
	}
	size := binary.LittleEndian.Uint32(pending)
	if size == 0 {
		return nil, false, violation(ErrFrameSize, "zero-length frame")
	}
	if size > MaxFrameSize {
		return nil, false, violation(ErrFrameSize, "frame of %d bytes exceeds %d", size, MaxFrameSize)
	}
	end := FrameHeaderSize + int(size)
	if len(pending) < end {
		fd.compact()
		return nil, false, nil
	}
	fd.off += end
	return pending[FrameHeaderSize:end], true, nil
}

// Buffered returns how many bytes of an incomplete frame are held.
func (fd *FrameDecoder) Buffered() int {
	return len(fd.buf) - fd.off
}

// Close reports a truncated frame if the stream ended in the middle of one.
func (fd *FrameDecoder) Close() error {
	if n := fd.Buffered(); n > 0 {
		return violation(ErrTruncated, "stream ended with %d bytes of an incomplete frame", n)
	}
	return nil
}

func (fd *FrameDecoder) compact() {
	if fd.off == 0 {
		return
	}
	n := copy(fd.buf, fd.buf[fd.off:])
	fd.buf = fd.buf[:n]
	fd.off = 0
}

package splitgate

import "fmt"

const initialBufferSize = 1024

// recvBuffer holds what a client sent and the logic process did not
// acknowledge yet.
//
//	0 <= processed <= published <= end <= len(buf)
//
// Bytes before processed were acknowledged and are dropped on the next
// write. Bytes in [processed, published) were delivered to the controller
// and [published, end) is still to be delivered.
type recvBuffer struct {
	buf       []byte
	processed int
	published int
	end       int
}

func newRecvBuffer() recvBuffer {
	return recvBuffer{buf: make([]byte, initialBufferSize)}
}

// write appends p, reclaims acknowledged bytes and grows the buffer once
// it is more than half full.
func (b *recvBuffer) write(p []byte) {
	for len(b.buf)-b.end < len(p) {
		b.grow()
	}
	b.end += copy(b.buf[b.end:], p)

	if b.processed > 0 {
		n := copy(b.buf, b.buf[b.processed:b.end])
		b.published -= b.processed
		b.end = n
		b.processed = 0
	}

	if b.end > len(b.buf)/2 {
		b.grow()
	}
}

func (b *recvBuffer) grow() {
	size := len(b.buf) * 2
	if size == 0 {
		size = initialBufferSize
	}
	grown := make([]byte, size)
	copy(grown, b.buf[:b.end])
	b.buf = grown
}

// unpublished returns the bytes not yet delivered. The slice aliases the
// buffer and is invalidated by the next write.
func (b *recvBuffer) unpublished() []byte {
	return b.buf[b.published:b.end]
}

func (b *recvBuffer) publish() {
	b.published = b.end
}

// unconsumed returns every byte not acknowledged yet, delivered or not.
func (b *recvBuffer) unconsumed() []byte {
	return b.buf[b.processed:b.end]
}

// delivered is how many bytes the controller may still acknowledge.
func (b *recvBuffer) delivered() int {
	return b.published - b.processed
}

func (b *recvBuffer) acknowledge(n int) error {
	if n < 0 || n > b.delivered() {
		return fmt.Errorf("%w: acknowledging %d bytes with %d delivered", ErrOverProcessed, n, b.delivered())
	}
	b.processed += n
	return nil
}

func (b *recvBuffer) release() {
	*b = recvBuffer{}
}

func (b *recvBuffer) check() error {
	if 0 <= b.processed && b.processed <= b.published && b.published <= b.end && b.end <= len(b.buf) {
		return nil
	}
	return fmt.Errorf(
		"gateway: corrupted buffer: processed=%d published=%d end=%d len=%d",
		b.processed, b.published, b.end, len(b.buf),
	)
}

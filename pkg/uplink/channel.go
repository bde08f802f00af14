package uplink

import (
	"fmt"
	"io"

	"github.com/raskyld/splitgate/pkg/loop"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/wire"
)

// FrameHandler consumes the frames of a Channel on the loop. A returned
// error fails the channel.
type FrameHandler func(frame []byte) error

// Channel is a control channel: length-prefixed frames in both
// directions. Records queued during one loop turn leave as one frame.
type Channel struct {
	conn    *Conn
	lp      *loop.Loop
	dec     wire.FrameDecoder
	out     wire.FrameBuilder
	cfg     Config
	onFrame FrameHandler
	onClose func(err error)

	flushPosted bool
	closed      bool
}

// NewChannel wraps conn. onClose is called once, on the loop, when the
// channel fails or the peer leaves; it is not called after Close.
func NewChannel(conn *Conn, onFrame FrameHandler, onClose func(err error)) *Channel {
	return &Channel{
		conn:    conn,
		lp:      conn.lp,
		cfg:     conn.cfg,
		onFrame: onFrame,
		onClose: onClose,
	}
}

// Start begins reading.
func (ch *Channel) Start() {
	ch.conn.Start(ch)
}

func (ch *Channel) Conn() *Conn {
	return ch.conn
}

// Closed reports whether the channel was closed or failed.
func (ch *Channel) Closed() bool {
	return ch.closed
}

// SendCommand queues a record for the gateway.
func (ch *Channel) SendCommand(c wire.Command) {
	if ch.closed {
		return
	}
	ch.out.AddCommand(c)
	ch.scheduleFlush()
}

// SendEvent queues a record for the logic process.
func (ch *Channel) SendEvent(e wire.Event) {
	if ch.closed {
		return
	}
	ch.out.AddEvent(e)
	ch.scheduleFlush()
}

func (ch *Channel) scheduleFlush() {
	if ch.flushPosted {
		return
	}
	ch.flushPosted = true
	ch.lp.Post(ch.Flush)
}

// Flush hands the pending frame to the connection.
func (ch *Channel) Flush() {
	ch.flushPosted = false
	if ch.closed || ch.out.Empty() {
		return
	}
	ch.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricControlFrameOut, 1.0, ch.cfg.MetricLabels)
	ch.conn.Write(ch.out.Detach())
}

// Close flushes what is pending and gracefully closes the connection.
func (ch *Channel) Close() {
	ch.Drain(nil)
}

// Drain is Close, calling onDone on the loop once everything queued was
// written. onDone is not called if the channel is aborted meanwhile.
func (ch *Channel) Drain(onDone func(err error)) {
	if ch.closed {
		return
	}
	ch.Flush()
	ch.closed = true
	ch.conn.Shutdown(onDone)
}

// Abort drops the connection without flushing.
func (ch *Channel) Abort() {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.conn.Close()
}

func (ch *Channel) fail(err error) {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.conn.Close()
	ch.onClose(err)
}

func (ch *Channel) HandleData(p []byte) {
	if ch.closed {
		return
	}
	ch.dec.Feed(p)
	for !ch.closed {
		frame, ok, err := ch.dec.Next()
		if err != nil {
			ch.fail(err)
			return
		}
		if !ok {
			return
		}
		ch.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricControlFrameIn, 1.0, ch.cfg.MetricLabels)
		if err := ch.onFrame(frame); err != nil {
			ch.fail(err)
			return
		}
	}
}

func (ch *Channel) HandleEOF() {
	if err := ch.dec.Close(); err != nil {
		ch.fail(err)
		return
	}
	ch.fail(fmt.Errorf("%w: %w", ErrClosed, io.EOF))
}

func (ch *Channel) HandleError(err error) {
	ch.fail(err)
}

// Package uplink adapts blocking net.Conn streams to the single-threaded
// loop model: a reader goroutine posts received bytes to the loop, and
// writes are queued without blocking the loop.
package uplink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/loop"
	"github.com/raskyld/splitgate/pkg/telemetry"
)

var (
	ErrClosed = errors.New("uplink: connection closed")
	ErrWrite  = errors.New("uplink: error writing to connection")
	ErrRead   = errors.New("uplink: error reading from connection")
)

const defaultReadSize = 16 << 10

// Handler receives stream events, always on the loop. No event is
// delivered once the Conn was closed locally.
type Handler interface {
	// HandleData receives bytes read from the peer. p is owned by the handler.
	HandleData(p []byte)
	// HandleEOF reports the peer closed its sending side. Writes remain
	// possible.
	HandleEOF()
	// HandleError reports a read or write failure. The Conn is unusable.
	HandleError(err error)
}

// Config tunes a Conn.
type Config struct {
	// WriteTimeout bounds every vectored write, zero disables it.
	WriteTimeout time.Duration
	ReadSize     int
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	Logger       *slog.Logger
}

// Conn is a net.Conn driven by a loop.
type Conn struct {
	nc  net.Conn
	lp  *loop.Loop
	cfg Config

	mu       sync.Mutex
	pending  net.Buffers
	shutdown bool
	onDrain  func(err error)

	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

func NewConn(nc net.Conn, lp *loop.Loop, cfg Config) *Conn {
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaultReadSize
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = &metrics.BlackholeSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conn{
		nc:   nc,
		lp:   lp,
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start spawns the reader and writer goroutines.
func (c *Conn) Start(h Handler) {
	go c.readLoop(h)
	go c.writeLoop(h)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Write queues p, which must not be modified afterwards. It returns false
// once the Conn is closed or shutting down.
func (c *Conn) Write(p []byte) bool {
	if len(p) == 0 {
		return !c.closed.Load()
	}
	c.mu.Lock()
	if c.shutdown || c.closed.Load() {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()
	c.signal()
	return true
}

// Shutdown closes the sending side once every queued write went through,
// then closes the Conn and calls onDone on the loop. onDone is not called
// if the Conn is closed before the drain completes.
func (c *Conn) Shutdown(onDone func(err error)) {
	c.mu.Lock()
	if c.shutdown || c.closed.Load() {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.onDrain = onDone
	c.mu.Unlock()
	c.signal()
}

// Close tears the connection down immediately, dropping queued writes.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.nc.Close()
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// post delivers fn on the loop unless the Conn was closed meanwhile.
func (c *Conn) post(fn func()) {
	c.lp.Post(func() {
		if c.closed.Load() {
			return
		}
		fn()
	})
}

func (c *Conn) readLoop(h Handler) {
	buf := make([]byte, c.cfg.ReadSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			c.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricUplinkInBytes, float32(n), c.cfg.MetricLabels)
			c.post(func() { h.HandleData(p) })
		}
		if err == nil {
			continue
		}
		if c.closed.Load() {
			return
		}
		if errors.Is(err, io.EOF) {
			c.post(h.HandleEOF)
			return
		}
		c.cfg.MetricSink.IncrCounterWithLabels(
			telemetry.MetricUplinkErrorCount,
			1.0,
			telemetry.With(c.cfg.MetricLabels, telemetry.LabelError.M("read")),
		)
		c.post(func() { h.HandleError(fmt.Errorf("%w: %w", ErrRead, err)) })
		return
	}
}

func (c *Conn) writeLoop(h Handler) {
	for {
		c.mu.Lock()
		bufs := c.pending
		c.pending = nil
		shutdown := c.shutdown
		onDrain := c.onDrain
		c.mu.Unlock()

		if len(bufs) > 0 {
			if c.cfg.WriteTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			}
			n, err := bufs.WriteTo(c.nc)
			c.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricUplinkOutBytes, float32(n), c.cfg.MetricLabels)
			if err != nil {
				if c.closed.Load() {
					return
				}
				c.cfg.MetricSink.IncrCounterWithLabels(
					telemetry.MetricUplinkErrorCount,
					1.0,
					telemetry.With(c.cfg.MetricLabels, telemetry.LabelError.M("write")),
				)
				c.post(func() { h.HandleError(fmt.Errorf("%w: %w", ErrWrite, err)) })
				return
			}
			continue
		}

		if shutdown {
			err := closeWrite(c.nc)
			c.post(func() {
				c.Close()
				if onDrain != nil {
					onDrain(err)
				}
			})
			return
		}

		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(nc net.Conn) error {
	if wc, ok := nc.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

package uplink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"

	// ALPN negotiated on QUIC control channels.
	ALPN = "splitgate-control"

	streamAcceptTimeout = 10 * time.Second
	quicLinger          = 2 * time.Second
)

var (
	ErrNoTLSConfig    = errors.New("uplink: a tls.Config is required for quic")
	ErrUnknownNetwork = errors.New("uplink: unknown network")
	ErrListen         = errors.New("uplink: could not listen")
	ErrDial           = errors.New("uplink: could not dial")
)

var (
	QErrNoStream = QuicApplicationError{
		Code:   0x1,
		Prefix: "no control stream",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x2,
		Prefix: "shutdown",
	}
	QErrClosed = QuicApplicationError{
		Code:   0x3,
		Prefix: "closed",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// Listener accepts stream connections, whatever the network.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// Listen binds addr on network, "tcp" or "quic". A tls.Config is required
// for quic.
func Listen(network, addr string, tlsConf *tls.Config) (Listener, error) {
	switch network {
	case "", NetworkTCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListen, err)
		}
		return &tcpListener{ln: ln}, nil
	case NetworkQUIC:
		if tlsConf == nil {
			return nil, ErrNoTLSConfig
		}
		ln, err := quic.ListenAddr(addr, withALPN(tlsConf), quicConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListen, err)
		}
		ql := &quicListener{
			ln:      ln,
			streams: make(chan net.Conn),
			closeCh: make(chan struct{}),
		}
		go ql.acceptCx()
		return ql, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// Dial opens a stream connection to addr.
func Dial(ctx context.Context, network, addr string, tlsConf *tls.Config) (net.Conn, error) {
	switch network {
	case "", NetworkTCP:
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDial, err)
		}
		return nc, nil
	case NetworkQUIC:
		if tlsConf == nil {
			return nil, ErrNoTLSConfig
		}
		conn, err := quic.DialAddr(ctx, addr, withALPN(tlsConf), quicConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDial, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			QErrNoStream.Close(conn, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrDial, err)
		}
		return &streamConn{Stream: stream, conn: conn}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return tlsConf
}

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       10 * time.Second,
	}
}

type tcpListener struct {
	ln net.Listener
}

func (tl *tcpListener) Accept(_ context.Context) (net.Conn, error) {
	return tl.ln.Accept()
}

func (tl *tcpListener) Addr() net.Addr {
	return tl.ln.Addr()
}

func (tl *tcpListener) Close() error {
	return tl.ln.Close()
}

type quicListener struct {
	ln        *quic.Listener
	streams   chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (ql *quicListener) acceptCx() {
	for {
		conn, err := ql.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go ql.acceptStream(conn)
	}
}

// A control channel is the first bidirectional stream of a connection.
// QUIC only reveals a stream once the dialer wrote to it.
func (ql *quicListener) acceptStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(conn.Context(), streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		QErrNoStream.Close(conn, err.Error())
		return
	}

	select {
	case ql.streams <- &streamConn{Stream: stream, conn: conn}:
	case <-ql.closeCh:
		QErrShutdown.Close(conn, "listener closed")
	}
}

func (ql *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case nc := <-ql.streams:
		return nc, nil
	case <-ql.closeCh:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

func (ql *quicListener) Close() error {
	ql.closeOnce.Do(func() { close(ql.closeCh) })
	return ql.ln.Close()
}

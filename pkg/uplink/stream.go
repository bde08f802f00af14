package uplink

import (
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// streamConn exposes the control stream of a QUIC connection as a
// net.Conn. One connection carries exactly one stream.
type streamConn struct {
	quic.Stream
	conn quic.Connection
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// CloseWrite sends a FIN on the stream, the peer reads io.EOF.
func (sc *streamConn) CloseWrite() error {
	return sc.Stream.Close()
}

func (sc *streamConn) Close() error {
	sc.Stream.CancelRead(quic.StreamErrorCode(QErrClosed.Code))
	err := sc.Stream.Close()

	// quic-go has no way to know when the stream frames were acknowledged,
	// give them some time before tearing the connection down.
	go func() {
		select {
		case <-sc.conn.Context().Done():
		case <-time.After(quicLinger):
		}
		QErrClosed.Close(sc.conn, "control channel closed")
	}()
	return err
}

package splitgate

import (
	"log/slog"
	"net"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/wire"
)

// clientSocket is what a Client needs from its connection, satisfied by
// *uplink.Conn.
type clientSocket interface {
	Write(p []byte) bool
	Shutdown(onDone func(err error))
	Close() error
	RemoteAddr() net.Addr
}

// Client is one accepted client connection. It is owned by its Port and
// only touched from the gateway loop.
type Client struct {
	id     int32
	port   uint16
	gw     *Gateway
	socket clientSocket
	remote string
	logger *slog.Logger
	labels []metrics.Label

	buf   recvBuffer
	state []byte

	// detected is set once the remote closed its sending side, notified
	// once the controller was told about it.
	detected bool
	notified bool

	// Staged by Do* commands, applied by DoCommit.
	pendingState      []byte
	pendingStateSet   bool
	pendingProcessed  int
	pendingSends      [][]byte
	pendingDisconnect bool

	// closing is set once a disconnect was committed.
	closing  bool
	disposed bool
}

func newClient(gw *Gateway, port uint16, id int32, socket clientSocket) *Client {
	remote := ""
	if addr := socket.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Client{
		id:     id,
		port:   port,
		gw:     gw,
		socket: socket,
		remote: remote,
		buf:    newRecvBuffer(),
		logger: gw.logger.With(
			telemetry.LabelPort.L(port),
			telemetry.LabelClientID.L(id),
			telemetry.LabelPeerAddr.L(remote),
		),
		labels: telemetry.With(gw.cfg.metricLabels, telemetry.PortLabel(port)),
	}
}

func (cl *Client) ID() int32 {
	return cl.id
}

// initRecord describes the client to a controller that has never heard of
// it. Everything not acknowledged yet is sent again, and counts as
// delivered from now on.
func (cl *Client) initRecord() wire.OnClientInit {
	rec := wire.OnClientInit{
		ClientID: cl.id,
		Complete: cl.detected,
		Endpoint: cl.remote,
		State:    cl.state,
		Data:     cl.buf.unconsumed(),
	}
	cl.notified = cl.detected
	cl.buf.publish()
	return rec
}

func (cl *Client) txSetState(state []byte) {
	if cl.disposed {
		return
	}
	cl.pendingState = state
	cl.pendingStateSet = true
}

func (cl *Client) txProcess(n int32) {
	if cl.disposed {
		return
	}
	cl.pendingProcessed += int(n)
}

func (cl *Client) txSend(data []byte) error {
	if cl.disposed {
		return nil
	}
	if cl.closing || cl.pendingDisconnect {
		return violation(ErrAlreadyClosing, "send to client %d", cl.id)
	}
	cl.pendingSends = append(cl.pendingSends, data)
	return nil
}

func (cl *Client) txDisconnect() error {
	if cl.disposed {
		return nil
	}
	if cl.closing || cl.pendingDisconnect {
		return violation(ErrAlreadyClosing, "disconnect of client %d", cl.id)
	}
	cl.pendingDisconnect = true
	return nil
}

// rollback discards the staged mutations.
func (cl *Client) rollback() {
	cl.pendingState = nil
	cl.pendingStateSet = false
	cl.pendingProcessed = 0
	cl.pendingSends = nil
	cl.pendingDisconnect = false
}

// commit applies the staged mutations at once. Nothing is applied when
// the batch is invalid.
func (cl *Client) commit() error {
	if cl.disposed {
		cl.rollback()
		return nil
	}

	if cl.pendingProcessed > cl.buf.delivered() {
		err := violation(ErrOverProcessed, "client %d: %d bytes acknowledged, %d delivered",
			cl.id, cl.pendingProcessed, cl.buf.delivered())
		cl.rollback()
		return err
	}

	if cl.pendingStateSet {
		cl.state = cl.pendingState
	}

	if cl.pendingProcessed > 0 {
		// Checked above.
		_ = cl.buf.acknowledge(cl.pendingProcessed)
		cl.gw.msink.IncrCounterWithLabels(telemetry.MetricClientAckBytes, float32(cl.pendingProcessed), cl.labels)
	}

	for _, data := range cl.pendingSends {
		cl.socket.Write(data)
		cl.gw.msink.IncrCounterWithLabels(telemetry.MetricClientOutBytes, float32(len(data)), cl.labels)
	}

	if cl.pendingDisconnect {
		cl.closing = true
		cl.logger.Debug("graceful disconnect requested")
		cl.socket.Shutdown(func(err error) {
			if err != nil {
				cl.logger.Debug("client half-close failed", telemetry.LabelError.L(err))
			}
			cl.terminated()
		})
	}

	cl.rollback()
	cl.gw.msink.IncrCounterWithLabels(telemetry.MetricCommitCount, 1.0, cl.labels)
	return nil
}

// terminated runs once a committed disconnect went through. The logic
// process already forgot this client.
func (cl *Client) terminated() {
	if cl.disposed {
		return
	}
	cl.dispose()
	if p := cl.gw.ports[cl.port]; p != nil {
		p.removeClient(cl)
	}
	cl.gw.msink.IncrCounterWithLabels(
		telemetry.MetricClientClosed, 1.0, telemetry.With(cl.labels, telemetry.LabelReason.M("term")))
}

func (cl *Client) dispose() {
	if cl.disposed {
		return
	}
	cl.disposed = true
	cl.rollback()
	cl.socket.Close()
	cl.buf.release()
	cl.state = nil
}

// HandleData implements uplink.Handler.
func (cl *Client) HandleData(p []byte) {
	if cl.disposed {
		return
	}
	cl.buf.write(p)
	cl.gw.msink.IncrCounterWithLabels(telemetry.MetricClientInBytes, float32(len(p)), cl.labels)
	cl.gw.msink.SetGaugeWithLabels(telemetry.MetricClientBufferBytes, float32(len(cl.buf.buf)), cl.labels)

	port := cl.gw.ports[cl.port]
	if port == nil {
		return
	}
	port.clientData(cl)
}

// HandleEOF implements uplink.Handler.
func (cl *Client) HandleEOF() {
	if cl.disposed || cl.detected {
		return
	}
	cl.detected = true
	cl.logger.Debug("client closed its side")

	port := cl.gw.ports[cl.port]
	if port == nil {
		return
	}
	port.clientTerm(cl)
}

// HandleError implements uplink.Handler.
func (cl *Client) HandleError(err error) {
	if cl.disposed {
		return
	}
	cl.logger.Debug("client connection failed", telemetry.LabelError.L(err))
	cl.dispose()
	cl.gw.msink.IncrCounterWithLabels(
		telemetry.MetricClientClosed, 1.0, telemetry.With(cl.labels, telemetry.LabelReason.M("error")))

	port := cl.gw.ports[cl.port]
	if port == nil {
		return
	}
	port.clientDead(cl)
}

package splitgate

import (
	"fmt"
	"log/slog"

	"github.com/raskyld/splitgate/pkg/loop"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/wire"
)

type ControllerState uint8

const (
	StateInitializing ControllerState = iota
	StateUnbound
	StateActivating
	StatePendingActivationCheck
	StateActivated
	StateOnline
	StateDisposed
)

func (st ControllerState) String() string {
	switch st {
	case StateInitializing:
		return "initializing"
	case StateUnbound:
		return "unbound"
	case StateActivating:
		return "activating"
	case StatePendingActivationCheck:
		return "pending-activation-check"
	case StateActivated:
		return "activated"
	case StateOnline:
		return "online"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// eventSink is the sending half of a control channel, satisfied by
// *uplink.Channel.
type eventSink interface {
	SendEvent(e wire.Event)
	Abort()
}

// Controller is one control channel, driven by a logic process.
type Controller struct {
	id     uint64
	gw     *Gateway
	ch     eventSink
	logger *slog.Logger

	state ControllerState
	port  uint16
	bound bool

	// checkPending is set while a liveness probe awaits its answer.
	checkPending bool
	heartbeat    *loop.Timer
}

func (c *Controller) ID() uint64 {
	return c.id
}

func (c *Controller) State() ControllerState {
	return c.state
}

func (c *Controller) send(e wire.Event) {
	if c.state == StateDisposed {
		return
	}
	c.ch.SendEvent(e)
}

// handleFrame decodes and applies one frame. An error is a protocol
// violation, the channel is failed and the controller disposed.
func (c *Controller) handleFrame(frame []byte) error {
	cmds, err := wire.DecodeCommands(frame)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if c.state == StateDisposed {
			return nil
		}
		if err := c.dispatch(cmd); err != nil {
			return &CommandError{Op: cmd.Opcode(), Err: err}
		}
	}
	return nil
}

func (c *Controller) unexpected(cmd wire.Command) error {
	return violation(ErrUnexpectedCommand, "opcode %s in state %s", cmd.Opcode(), c.state)
}

func (c *Controller) dispatch(cmd wire.Command) error {
	switch cmd := cmd.(type) {
	case wire.AckConnectionCheck:
		if !c.checkPending {
			return violation(ErrNoCheckPending, "unsolicited acknowledgement")
		}
		c.checkPending = false
		if p := c.boundPort(); p != nil {
			p.notifyAlive(c)
		}

	case wire.DoActivate:
		if c.state != StateUnbound {
			return c.unexpected(cmd)
		}
		if cmd.Port == 0 {
			return violation(ErrInvalidPort, "activation of port 0")
		}
		c.state = StateActivating
		c.logger.Info("controller requests port", telemetry.LabelPort.L(cmd.Port))
		p, err := c.gw.openPort(cmd.Port)
		if err != nil {
			c.logger.Error("could not open port", telemetry.LabelPort.L(cmd.Port), telemetry.LabelError.L(err))
			c.rejected(cmd.Port)
			return nil
		}
		p.activate(c)

	case wire.DoReady:
		if c.state != StateActivated || c.port != cmd.Port {
			return c.unexpected(cmd)
		}
		c.state = StateOnline
		c.logger.Info("controller online", telemetry.LabelPort.L(c.port))
		c.startHeartbeat()
		c.boundPort().notifyReady(c)

	case wire.DoDeactivate:
		if (c.state != StateActivated && c.state != StateOnline) || c.port != cmd.Port {
			return c.unexpected(cmd)
		}
		c.logger.Info("controller releases port", telemetry.LabelPort.L(c.port))
		c.unbind()
		c.state = StateUnbound
		c.send(wire.OnDeactivate{Port: cmd.Port})

	case wire.DoSetState:
		cl, err := c.client(cmd, cmd.ClientID)
		if err != nil {
			return err
		}
		cl.txSetState(cmd.State)

	case wire.DoProcess:
		cl, err := c.client(cmd, cmd.ClientID)
		if err != nil {
			return err
		}
		cl.txProcess(cmd.Length)

	case wire.DoSendData:
		cl, err := c.client(cmd, cmd.ClientID)
		if err != nil {
			return err
		}
		return cl.txSend(cmd.Data)

	case wire.DoTerm:
		cl, err := c.client(cmd, cmd.ClientID)
		if err != nil {
			return err
		}
		return cl.txDisconnect()

	case wire.DoKill:
		if _, err := c.client(cmd, cmd.ClientID); err != nil {
			return err
		}
		c.boundPort().killClient(cmd.ClientID)

	case wire.DoCommit:
		cl, err := c.client(cmd, cmd.ClientID)
		if err != nil {
			return err
		}
		return cl.commit()

	default:
		panic(fmt.Sprintf("unreachable: unhandled command %T", cmd))
	}
	return nil
}

// client resolves a client id for a command only an online controller may
// send.
func (c *Controller) client(cmd wire.Command, id int32) (*Client, error) {
	if c.state != StateOnline {
		return nil, c.unexpected(cmd)
	}
	cl, ok := c.boundPort().clients[id]
	if !ok {
		return nil, violation(ErrUnknownClient, "client %d on port %d", id, c.port)
	}
	return cl, nil
}

func (c *Controller) boundPort() *Port {
	if !c.bound {
		return nil
	}
	return c.gw.ports[c.port]
}

func (c *Controller) activated(port uint16) {
	c.state = StateActivated
	c.port = port
	c.bound = true
	c.logger.Info("controller activated", telemetry.LabelPort.L(port))
	c.send(wire.OnActivate{Port: port, Success: true})
}

func (c *Controller) pendingCheck(port uint16) {
	c.state = StatePendingActivationCheck
	c.port = port
	c.bound = true
	c.logger.Info("controller is standby, probing incumbent", telemetry.LabelPort.L(port))
}

func (c *Controller) rejected(port uint16) {
	c.state = StateUnbound
	c.bound = false
	c.port = 0
	c.logger.Info("controller activation rejected", telemetry.LabelPort.L(port))
	c.send(wire.OnActivate{Port: port, Success: false})
}

func (c *Controller) checkConnection() {
	c.checkPending = true
	c.send(wire.CheckConnection{})
}

func (c *Controller) startHeartbeat() {
	if c.gw.cfg.heartbeat <= 0 {
		return
	}
	c.heartbeat = c.gw.lp.Every(c.gw.cfg.heartbeat, func() {
		if c.state == StateOnline {
			c.send(wire.CheckConnection2{})
		}
	})
}

// unbind gives the port back.
func (c *Controller) unbind() {
	c.heartbeat.Stop()
	c.heartbeat = nil
	c.checkPending = false
	if p := c.boundPort(); p != nil {
		p.detach(c)
	}
	c.bound = false
	c.port = 0
}

// dispose is the terminal transition, on channel loss or violation.
func (c *Controller) dispose(err error) {
	if c.state == StateDisposed {
		return
	}
	log := c.logger.Info
	if err != nil {
		log = c.logger.Warn
	}
	log("controller disposed", telemetry.LabelState.L(c.state.String()), telemetry.LabelError.L(err))

	c.unbind()
	c.state = StateDisposed
	c.ch.Abort()
	delete(c.gw.controllers, c.id)

	c.gw.msink.IncrCounterWithLabels(telemetry.MetricControllerDisposed, 1.0, c.gw.cfg.metricLabels)
	c.gw.msink.SetGaugeWithLabels(telemetry.MetricControllerCount, float32(len(c.gw.controllers)), c.gw.cfg.metricLabels)
}

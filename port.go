package splitgate

import (
	"errors"
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"net"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/uplink"
	"github.com/raskyld/splitgate/pkg/wire"
	"golang.org/x/time/rate"
)

// Port is a client-facing listening port. It arbitrates which controller
// drives it and owns its clients. Controllers are referenced by id and
// resolved through the Gateway.
type Port struct {
	gw      *Gateway
	number  uint16
	ln      net.Listener
	limiter *rate.Limiter
	logger  *slog.Logger
	labels  []metrics.Label

	active  uint64
	standby uint64
	clients map[int32]*Client
}

func newPort(gw *Gateway, number uint16, ln net.Listener) *Port {
	return &Port{
		gw:      gw,
		number:  number,
		ln:      ln,
		limiter: rate.NewLimiter(gw.cfg.acceptRate, gw.cfg.acceptBurst),
		logger:  gw.logger.With(telemetry.LabelPort.L(number)),
		labels:  telemetry.With(gw.cfg.metricLabels, telemetry.PortLabel(number)),
		clients: make(map[int32]*Client),
	}
}

func (p *Port) Number() uint16 {
	return p.number
}

func (p *Port) controller(id uint64) *Controller {
	if id == 0 {
		return nil
	}
	return p.gw.controllers[id]
}

// readyController returns the controller live traffic is sent to, if any.
func (p *Port) readyController() *Controller {
	c := p.controller(p.active)
	if c == nil || c.state != StateOnline {
		return nil
	}
	return c
}

// activate resolves which role c gets on this port.
func (p *Port) activate(c *Controller) {
	switch {
	case p.active == 0:
		p.active = c.id
		c.activated(p.number)
		p.gw.msink.IncrCounterWithLabels(telemetry.MetricControllerActivated, 1.0, p.labels)
	case p.standby == 0:
		p.standby = c.id
		c.pendingCheck(p.number)
		p.controller(p.active).checkConnection()
	default:
		c.rejected(p.number)
		p.gw.msink.IncrCounterWithLabels(telemetry.MetricControllerRejected, 1.0, p.labels)
	}
}

// notifyAlive is called when the active controller answered the liveness
// probe: it keeps the port, the standby is turned down.
func (p *Port) notifyAlive(c *Controller) {
	if p.active != c.id || p.standby == 0 {
		return
	}
	standby := p.controller(p.standby)
	p.standby = 0
	if standby != nil {
		standby.rejected(p.number)
		p.gw.msink.IncrCounterWithLabels(telemetry.MetricControllerRejected, 1.0, p.labels)
	}
}

// detach releases whatever role c had. When c was active, mutations it
// staged are dropped and the standby, if any, takes over.
func (p *Port) detach(c *Controller) {
	if p.standby == c.id {
		p.standby = 0
		return
	}
	if p.active != c.id {
		return
	}

	p.active = 0
	for _, cl := range p.clients {
		cl.rollback()
	}

	if p.standby == 0 {
		p.logger.Warn("port lost its controller")
		return
	}

	standby := p.controller(p.standby)
	p.standby = 0
	if standby == nil {
		return
	}
	p.active = standby.id
	p.logger.Info("promoting standby controller", telemetry.LabelController.L(standby.id))
	standby.activated(p.number)
	p.gw.msink.IncrCounterWithLabels(telemetry.MetricControllerPromoted, 1.0, p.labels)
}

// notifyReady replays every client to a controller that just went online.
func (p *Port) notifyReady(c *Controller) {
	// Sorted so replays are deterministic.
	for _, id := range slices.Sorted(maps.Keys(p.clients)) {
		cl := p.clients[id]
		cl.rollback()
		if cl.disposed || cl.closing {
			// The new controller never heard of it and it is going away.
			if cl.disposed {
				delete(p.clients, id)
			}
			continue
		}
		c.send(cl.initRecord())
		p.gw.msink.IncrCounterWithLabels(telemetry.MetricClientReplayed, 1.0, p.labels)
	}
}

func (p *Port) nextClientID() int32 {
	for {
		id := rand.Int32N(math.MaxInt32) + 1
		if _, taken := p.clients[id]; !taken {
			return id
		}
	}
}

// addClient registers a freshly accepted client and announces it.
func (p *Port) addClient(socket clientSocket) *Client {
	cl := newClient(p.gw, p.number, p.nextClientID(), socket)
	p.clients[cl.id] = cl
	p.gw.msink.IncrCounterWithLabels(telemetry.MetricClientAccepted, 1.0, p.labels)
	p.gw.msink.SetGaugeWithLabels(telemetry.MetricClientCount, float32(len(p.clients)), p.labels)
	cl.logger.Debug("client connected")

	if c := p.readyController(); c != nil {
		c.send(cl.initRecord())
	}
	return cl
}

func (p *Port) removeClient(cl *Client) {
	if p.clients[cl.id] == cl {
		delete(p.clients, cl.id)
	}
	p.gw.msink.SetGaugeWithLabels(telemetry.MetricClientCount, float32(len(p.clients)), p.labels)
}

func (p *Port) killClient(id int32) {
	cl, ok := p.clients[id]
	if !ok {
		return
	}
	cl.dispose()
	p.removeClient(cl)
	p.gw.msink.IncrCounterWithLabels(
		telemetry.MetricClientClosed, 1.0, telemetry.With(p.labels, telemetry.LabelReason.M("kill")))
}

// clientData pushes bytes the controller has not seen yet.
func (p *Port) clientData(cl *Client) {
	c := p.readyController()
	if c == nil {
		return
	}
	if data := cl.buf.unpublished(); len(data) > 0 {
		c.send(wire.OnClientData{ClientID: cl.id, Data: data})
		cl.buf.publish()
	}
}

func (p *Port) clientTerm(cl *Client) {
	c := p.readyController()
	if c == nil || cl.notified {
		return
	}
	cl.notified = true
	c.send(wire.OnClientTerm{ClientID: cl.id})
}

// clientDead reports a broken client. The entry stays until the controller
// kills it, unless nobody drives the port or the logic process already
// terminated it.
func (p *Port) clientDead(cl *Client) {
	if cl.closing {
		p.removeClient(cl)
		return
	}
	if c := p.readyController(); c != nil {
		c.send(wire.OnClientDead{ClientID: cl.id})
		return
	}
	p.removeClient(cl)
}

// acceptClients runs outside the loop until the listener closes.
func (p *Port) acceptClients(ln net.Listener) {
	defer p.gw.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if p.gw.gracefulTerm.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("unexpected client listener failure", telemetry.LabelError.L(err))
			return
		}

		if !p.limiter.Allow() {
			nc.Close()
			p.gw.msink.IncrCounterWithLabels(telemetry.MetricClientThrottled, 1.0, p.labels)
			continue
		}

		conn := uplink.NewConn(nc, p.gw.lp, uplink.Config{
			WriteTimeout: p.gw.cfg.sendTimeout,
			MetricSink:   p.gw.msink,
			MetricLabels: p.labels,
			Logger:       p.logger,
		})
		if !p.gw.lp.Post(func() {
			if p.gw.gracefulTerm.Load() {
				conn.Close()
				return
			}
			conn.Start(p.addClient(conn))
		}) {
			nc.Close()
			return
		}
	}
}

// close drops every client, the listener is closed by the Gateway.
func (p *Port) close() {
	for _, cl := range p.clients {
		cl.dispose()
	}
	clear(p.clients)
}

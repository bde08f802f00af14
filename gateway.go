package splitgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/loop"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/uplink"
)

// Gateway owns client sockets on behalf of logic processes. Every field
// below the loop is owned by it.
type Gateway struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	lp     *loop.Loop

	controlLn uplink.Listener

	ports          map[uint16]*Port
	controllers    map[uint64]*Controller
	nextController uint64

	// listen binds a client port, replaced in tests.
	listen func(port uint16) (net.Listener, error)

	// graceful termination asked, do not spam accept errors in logs
	gracefulTerm atomic.Bool
	serving      atomic.Bool
	stoppedCh    chan struct{}
	wg           sync.WaitGroup
}

// Create binds the control listener. Nothing is accepted until `Serve`.
func Create(opts ...Option) (*Gateway, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.controlNetwork == uplink.NetworkQUIC && cfg.tlsConf == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, uplink.ErrNoTLSConfig)
	}

	gw := newGateway(cfg)
	ln, err := uplink.Listen(cfg.controlNetwork, cfg.controlAddr, cfg.tlsConf)
	if err != nil {
		return nil, err
	}
	gw.controlLn = ln
	gw.logger.Info("control channel listening",
		"network", cfg.controlNetwork, "addr", ln.Addr().String())
	return gw, nil
}

func newGateway(cfg config) *Gateway {
	gw := &Gateway{
		cfg:         cfg,
		lp:          loop.New(),
		ports:       make(map[uint16]*Port),
		controllers: make(map[uint64]*Controller),
		stoppedCh:   make(chan struct{}),
	}

	if cfg.logHandler == nil {
		gw.logger = slog.Default()
	} else {
		gw.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		gw.msink = metrics.Default()
	} else {
		gw.msink = cfg.metricSink
	}

	gw.listen = func(port uint16) (net.Listener, error) {
		if ln, ok := cfg.listeners[port]; ok {
			return ln, nil
		}
		addr := net.JoinHostPort(cfg.clientHost, strconv.Itoa(int(port)))
		return net.Listen("tcp", addr)
	}
	return gw
}

// ControlAddr is where logic processes must connect.
func (gw *Gateway) ControlAddr() net.Addr {
	return gw.controlLn.Addr()
}

// Serve runs the gateway until ctx is done or `Shutdown` is called.
func (gw *Gateway) Serve(ctx context.Context) error {
	if gw.gracefulTerm.Load() {
		return ErrShutdown
	}
	if !gw.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already serving", ErrInvalidCfg)
	}
	defer close(gw.stoppedCh)
	if gw.gracefulTerm.Load() {
		// Shutdown raced with us and saw nothing to stop.
		gw.lp.Stop()
	}

	gw.wg.Add(1)
	go gw.acceptControllers(ctx)

	err := gw.lp.Run(ctx)

	// The loop is gone, this goroutine owns the state from now on.
	gw.gracefulTerm.Store(true)
	gw.closeListeners()
	gw.teardown()
	gw.wg.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops accepting, drops every controller and client and waits
// for `Serve` to return.
func (gw *Gateway) Shutdown() error {
	// Phase 1: Shutdown notify.
	if !gw.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	start := time.Now()
	gw.logger.Info("shutting down...")
	gw.closeListeners()

	if !gw.serving.Load() {
		return nil
	}

	// Phase 2: the loop stops and Serve releases the resources.
	gw.lp.Stop()
	<-gw.stoppedCh
	gw.logger.Info("shutdown: completed", telemetry.LabelDuration.L(time.Since(start)))
	return nil
}

func (gw *Gateway) closeListeners() {
	if gw.controlLn != nil {
		gw.controlLn.Close()
	}
	for _, ln := range gw.cfg.listeners {
		ln.Close()
	}
}

func (gw *Gateway) teardown() {
	for _, c := range gw.controllers {
		c.unbind()
		c.state = StateDisposed
		c.ch.Abort()
	}
	clear(gw.controllers)

	for _, p := range gw.ports {
		if p.ln != nil {
			p.ln.Close()
		}
		p.close()
	}
}

func (gw *Gateway) acceptControllers(ctx context.Context) {
	defer gw.wg.Done()
	for {
		nc, err := gw.controlLn.Accept(ctx)
		if err != nil {
			if !gw.gracefulTerm.Load() && ctx.Err() == nil {
				gw.logger.Warn("unexpected control listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		if !gw.lp.Post(func() { gw.attachController(nc) }) {
			nc.Close()
			return
		}
	}
}

// attachController starts driving a freshly accepted control channel.
func (gw *Gateway) attachController(nc net.Conn) *Controller {
	conn := uplink.NewConn(nc, gw.lp, uplink.Config{
		MetricSink:   gw.msink,
		MetricLabels: telemetry.With(gw.cfg.metricLabels, telemetry.LabelRole.M("control")),
		Logger:       gw.logger,
	})

	c := gw.newController(nil, nc.RemoteAddr())
	ch := uplink.NewChannel(conn, c.handleFrame, func(err error) {
		if errors.Is(err, ErrProtocolViolation) {
			gw.msink.IncrCounterWithLabels(telemetry.MetricProtocolViolations, 1.0, gw.violationLabels(err))
		}
		c.dispose(err)
	})
	c.ch = ch
	ch.Start()
	return c
}

// violationLabels names the offending opcode when the frame decoded.
func (gw *Gateway) violationLabels(err error) []metrics.Label {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return telemetry.With(gw.cfg.metricLabels, telemetry.LabelOpcode.M(cerr.Op.String()))
	}
	return gw.cfg.metricLabels
}

func (gw *Gateway) newController(ch eventSink, remote net.Addr) *Controller {
	gw.nextController++
	c := &Controller{
		id:    gw.nextController,
		gw:    gw,
		ch:    ch,
		state: StateInitializing,
	}
	peer := ""
	if remote != nil {
		peer = remote.String()
	}
	c.logger = gw.logger.With(telemetry.LabelController.L(c.id), telemetry.LabelPeerAddr.L(peer))
	c.state = StateUnbound
	gw.controllers[c.id] = c

	c.logger.Info("controller connected")
	gw.msink.SetGaugeWithLabels(telemetry.MetricControllerCount, float32(len(gw.controllers)), gw.cfg.metricLabels)
	return c
}

// openPort returns the port, binding it on first use. A bound port stays
// open for the gateway lifetime.
func (gw *Gateway) openPort(number uint16) (*Port, error) {
	if p, ok := gw.ports[number]; ok {
		return p, nil
	}

	ln, err := gw.listen(number)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrListen, number, err)
	}

	p := newPort(gw, number, ln)
	gw.ports[number] = p
	if ln != nil {
		p.logger.Info("client port listening", "addr", ln.Addr().String())
		gw.wg.Add(1)
		go p.acceptClients(ln)
	}
	return p, nil
}

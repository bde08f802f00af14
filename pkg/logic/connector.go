// Package logic is the logic-process side of splitgate: it drives one
// gateway port over the control channel and runs an `Application` for
// every client, applying its effects only when a unit of work commits.
package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/loop"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/txn"
	"github.com/raskyld/splitgate/pkg/uplink"
	"github.com/raskyld/splitgate/pkg/wire"
)

const drainTimeout = 2 * time.Second

// commandSink is the sending half of the control channel, satisfied by
// *uplink.Channel.
type commandSink interface {
	SendCommand(c wire.Command)
	Drain(onDone func(err error))
	Abort()
}

// Connector owns the control channel to the gateway and the sessions of
// the port it drives.
type Connector struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	lp     *loop.Loop
	txm    *txn.Manager
	app    Application
	ch     commandSink

	sessions  map[int32]*Session
	activated bool
	disposed  bool
	err       error

	// Written by the loop, read by the watchdog.
	lastBeat      atomic.Int64
	watchdogFired atomic.Bool
	ctx           context.Context
	wg            sync.WaitGroup
}

// New prepares a connector serving app. Nothing happens before `Run`.
func New(app Application, opts ...Option) (*Connector, error) {
	if app == nil {
		return nil, fmt.Errorf("%w: nil application", ErrInvalidCfg)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.controlNetwork == uplink.NetworkQUIC && cfg.tlsConf == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, uplink.ErrNoTLSConfig)
	}
	return newConnector(cfg, app), nil
}

func newConnector(cfg config, app Application) *Connector {
	c := &Connector{
		cfg:      cfg,
		lp:       loop.New(),
		txm:      txn.NewManager(),
		app:      app,
		sessions: make(map[int32]*Session),
	}

	if cfg.logHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.logHandler)
	}
	c.logger = c.logger.With(telemetry.LabelInstance.L(cfg.instance.String()))

	if cfg.metricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.metricSink
	}
	c.labels = telemetry.With(cfg.metricLabels,
		telemetry.LabelInstance.M(cfg.instance.String()),
		telemetry.PortLabel(cfg.clientPort),
	)
	return c
}

// Run connects to the gateway and serves the port until the gateway lets
// go of it, the control channel is lost or ctx is done. Losing the
// channel or being rejected is returned as an error.
func (c *Connector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	nc, err := uplink.Dial(ctx, c.cfg.controlNetwork, c.cfg.controlAddr, c.cfg.tlsConf)
	if err != nil {
		return err
	}
	conn := uplink.NewConn(nc, c.lp, uplink.Config{
		MetricSink:   c.msink,
		MetricLabels: telemetry.With(c.labels, telemetry.LabelRole.M("logic")),
		Logger:       c.logger,
	})
	ch := uplink.NewChannel(conn, c.handleFrame, c.channelLost)
	c.ch = ch
	c.ctx = ctx

	c.lp.Post(func() {
		ch.Start()
		c.logger.Info("connected to gateway",
			telemetry.LabelPeerAddr.L(nc.RemoteAddr().String()),
			telemetry.LabelPort.L(c.cfg.clientPort))
		c.send(wire.DoActivate{Port: c.cfg.clientPort})
	})

	err = c.lp.Run(ctx)

	// The loop is gone, this goroutine owns the state from now on.
	c.teardown()
	conn.Close()
	cancel()
	c.wg.Wait()

	if c.err != nil {
		return c.err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Release asks the gateway to take the port back, `Run` returns once it
// did. Safe to call from any goroutine.
func (c *Connector) Release() {
	c.lp.Post(func() {
		if c.disposed {
			return
		}
		if !c.activated {
			c.shutdown(nil)
			return
		}
		c.logger.Info("releasing port", telemetry.LabelPort.L(c.cfg.clientPort))
		c.send(wire.DoDeactivate{Port: c.cfg.clientPort})
	})
}

func (c *Connector) send(cmd wire.Command) {
	if c.disposed {
		return
	}
	c.ch.SendCommand(cmd)
}

func (c *Connector) channelLost(err error) {
	c.shutdown(fmt.Errorf("%w: %w", ErrControlLost, err))
}

func (c *Connector) handleFrame(frame []byte) error {
	events, err := wire.DecodeEvents(frame)
	if err != nil {
		return err
	}
	for _, e := range events {
		if c.disposed {
			return nil
		}
		c.handleEvent(e)
	}
	return nil
}

func (c *Connector) handleEvent(e wire.Event) {
	switch e := e.(type) {
	case wire.CheckConnection:
		c.logger.Debug("gateway checks we are alive")
		c.send(wire.AckConnectionCheck{})

	case wire.CheckConnection2:
		c.touch()

	case wire.OnActivate:
		if !e.Success {
			c.shutdown(fmt.Errorf("%w: port %d", ErrActivationRejected, e.Port))
			return
		}
		c.activated = true
		c.logger.Info("port activated", telemetry.LabelPort.L(e.Port))
		c.touch()
		c.startWatchdog()
		c.send(wire.DoReady{Port: c.cfg.clientPort})

	case wire.OnDeactivate:
		c.logger.Info("port released", telemetry.LabelPort.L(e.Port))
		c.shutdown(nil)

	case wire.OnClientInit:
		if old, ok := c.sessions[e.ClientID]; ok {
			// The replay is authoritative: the gateway knows better.
			delete(c.sessions, e.ClientID)
			old.dispose()
		}
		s := newSession(c, e)
		c.sessions[s.id] = s
		c.msink.SetGaugeWithLabels(telemetry.MetricClientCount, float32(len(c.sessions)), c.labels)
		s.logger.Debug("client initialized", "complete", e.Complete, telemetry.LabelBytes.L(len(e.Data)))
		s.processData(e.Data, e.Complete, true)

	case wire.OnClientData:
		if s, ok := c.sessions[e.ClientID]; ok {
			s.processData(e.Data, false, false)
		}

	case wire.OnClientTerm:
		if s, ok := c.sessions[e.ClientID]; ok {
			s.processData(nil, true, false)
		}

	case wire.OnClientDead:
		if s, ok := c.sessions[e.ClientID]; ok {
			s.logger.Debug("client connection died")
			s.dispose()
		}

	default:
		panic(fmt.Sprintf("unreachable: unhandled event %T", e))
	}
}

// forget removes s and reports whether it was still registered.
func (c *Connector) forget(s *Session) bool {
	if c.sessions[s.id] != s {
		return false
	}
	delete(c.sessions, s.id)
	c.msink.SetGaugeWithLabels(telemetry.MetricClientCount, float32(len(c.sessions)), c.labels)
	return !c.disposed
}

func (c *Connector) disposeSessions() {
	for _, id := range slices.Sorted(maps.Keys(c.sessions)) {
		if s, ok := c.sessions[id]; ok {
			s.dispose()
		}
	}
}

// shutdown ends the connector. A nil err is a clean exit, pending commands
// are flushed first.
func (c *Connector) shutdown(err error) {
	if c.disposed {
		return
	}
	c.disposed = true
	c.err = err
	if err != nil {
		c.logger.Error("connector shutting down", telemetry.LabelError.L(err))
	} else {
		c.logger.Info("connector shutting down")
	}

	c.disposeSessions()

	if err != nil {
		c.ch.Abort()
		c.lp.Stop()
		return
	}
	c.ch.Drain(func(error) { c.lp.Stop() })
	c.lp.AfterFunc(drainTimeout, c.lp.Stop)
}

func (c *Connector) teardown() {
	c.disposed = true
	c.disposeSessions()
	if c.ch != nil {
		c.ch.Abort()
	}
}

func (c *Connector) touch() {
	c.lastBeat.Store(time.Now().UnixNano())
}

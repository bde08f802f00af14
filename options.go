package splitgate

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/uplink"
	"golang.org/x/time/rate"
)

const (
	DefaultControlAddr = "127.0.0.1:3719"
	DefaultClientPort  = 3720

	defaultHeartbeat   = 500 * time.Millisecond
	defaultSendTimeout = 4 * time.Second
)

type config struct {
	controlNetwork string
	controlAddr    string
	tlsConf        *tls.Config
	clientHost     string
	listeners      map[uint16]net.Listener
	acceptRate     rate.Limit
	acceptBurst    int
	heartbeat      time.Duration
	sendTimeout    time.Duration
	logHandler     slog.Handler
	metricSink     metrics.MetricSink
	metricLabels   []metrics.Label
}

func defaultConfig() config {
	return config{
		controlNetwork: uplink.NetworkTCP,
		controlAddr:    DefaultControlAddr,
		listeners:      make(map[uint16]net.Listener),
		acceptRate:     rate.Inf,
		heartbeat:      defaultHeartbeat,
		sendTimeout:    defaultSendTimeout,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithControlAddr sets where logic processes connect. network is "tcp" or
// "quic", the latter needs `WithTlsConfig`.
func WithControlAddr(network, addr string) Option {
	return func(c *config) error {
		switch network {
		case "":
		case uplink.NetworkTCP, uplink.NetworkQUIC:
			c.controlNetwork = network
		default:
			return fmt.Errorf("%w: unknown control network %q", ErrInvalidCfg, network)
		}
		if addr != "" {
			c.controlAddr = addr
		}
		return nil
	}
}

// WithTlsConfig sets the server certificate of the QUIC control listener.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return fmt.Errorf("%w: nil tls config", ErrInvalidCfg)
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithClientHost sets the interface client ports are opened on, all
// interfaces by default.
func WithClientHost(host string) Option {
	return func(c *config) error {
		c.clientHost = host
		return nil
	}
}

// WithClientListener makes the gateway accept clients of port from ln
// instead of binding it when a controller activates it.
func WithClientListener(port uint16, ln net.Listener) Option {
	return func(c *config) error {
		if port == 0 || ln == nil {
			return fmt.Errorf("%w: client listener needs a port and a listener", ErrInvalidCfg)
		}
		c.listeners[port] = ln
		return nil
	}
}

// WithAcceptRate limits how many clients per second each port accepts.
// Connections over the limit are closed right away. Zero disables it.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(c *config) error {
		if perSecond < 0 || burst < 0 {
			return fmt.Errorf("%w: negative accept rate", ErrInvalidCfg)
		}
		if perSecond == 0 {
			c.acceptRate = rate.Inf
			return nil
		}
		if burst == 0 {
			burst = 1
		}
		c.acceptRate = rate.Limit(perSecond)
		c.acceptBurst = burst
		return nil
	}
}

// WithHeartbeat sets how often online controllers are sent a heartbeat.
func WithHeartbeat(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = defaultHeartbeat
		}
		c.heartbeat = period
		return nil
	}
}

// WithSendTimeout bounds how long a write to a client may block.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultSendTimeout
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the gateway.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the gateway.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

package logic

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/uplink"
)

const (
	DefaultControlAddr = "127.0.0.1:3719"
	DefaultClientPort  = 3720

	defaultWatchdogThreshold = 2 * time.Second
	defaultWatchdogPoll      = time.Second
)

type config struct {
	controlNetwork    string
	controlAddr       string
	tlsConf           *tls.Config
	clientPort        uint16
	instance          uuid.UUID
	watchdogThreshold time.Duration
	watchdogPoll      time.Duration
	onWatchdog        func()
	logHandler        slog.Handler
	metricSink        metrics.MetricSink
	metricLabels      []metrics.Label
}

func defaultConfig() config {
	return config{
		controlNetwork:    uplink.NetworkTCP,
		controlAddr:       DefaultControlAddr,
		clientPort:        DefaultClientPort,
		instance:          uuid.New(),
		watchdogThreshold: defaultWatchdogThreshold,
		watchdogPoll:      defaultWatchdogPoll,
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithControlAddr sets the gateway control address. network is "tcp" or
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

// WithTlsConfig sets the client TLS configuration of the QUIC control
// channel.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return fmt.Errorf("%w: nil tls config", ErrInvalidCfg)
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithClientPort is the gateway port this process asks to drive.
func WithClientPort(port uint16) Option {
	return func(c *config) error {
		if port == 0 {
			return fmt.Errorf("%w: client port cannot be 0", ErrInvalidCfg)
		}
		c.clientPort = port
		return nil
	}
}

// WithInstanceID overrides the random id tagging logs and metrics.
func WithInstanceID(id uuid.UUID) Option {
	return func(c *config) error {
		if id == uuid.Nil {
			return fmt.Errorf("%w: nil instance id", ErrInvalidCfg)
		}
		c.instance = id
		return nil
	}
}

// WithWatchdog tunes how long the gateway may stay silent, and how often
// that is checked. A negative threshold disables the watchdog.
func WithWatchdog(threshold, poll time.Duration) Option {
	return func(c *config) error {
		if threshold == 0 {
			threshold = defaultWatchdogThreshold
		}
		if poll <= 0 {
			poll = defaultWatchdogPoll
		}
		c.watchdogThreshold = threshold
		c.watchdogPoll = poll
		return nil
	}
}

// WithWatchdogAbort replaces what happens when the watchdog fires. By
// default `Run` returns `ErrWatchdog`. fn is called from the watchdog
// goroutine.
func WithWatchdogAbort(fn func()) Option {
	return func(c *config) error {
		c.onWatchdog = fn
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
// the connector.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// connector.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

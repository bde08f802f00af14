// Package flood is a load generator for gateway client ports: workers keep
// opening connections and sending sequenced blocks.
package flood

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate/pkg/telemetry"
	"github.com/raskyld/splitgate/pkg/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrInvalidCfg = errors.New("flood: invalid configuration")

const defaultConnLifetime = 200 * time.Millisecond

type Config struct {
	Target  string
	Workers int
	// Rate is the number of blocks per second of each worker, zero means
	// as fast as possible.
	Rate      float64
	BlockSize int
	// Duration bounds the run, zero means until the context is done.
	Duration time.Duration
	// ConnLifetime is how long a worker keeps a connection before opening
	// a new one.
	ConnLifetime time.Duration
	// Echo waits for every block to come back before sending the next.
	Echo bool

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	Logger       *slog.Logger
}

// Report sums what the workers did.
type Report struct {
	Connections uint64
	Blocks      uint64
	Echoed      uint64
	Errors      uint64
}

type counters struct {
	connections atomic.Uint64
	blocks      atomic.Uint64
	echoed      atomic.Uint64
	errors      atomic.Uint64
}

// Run floods cfg.Target until the duration elapsed or ctx is done.
// Connection failures are counted, not returned.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Target == "" || cfg.Workers <= 0 || cfg.BlockSize <= 0 || cfg.BlockSize > wire.MaxBlockSize {
		return Report{}, fmt.Errorf("%w: need a target, workers and a valid block size", ErrInvalidCfg)
	}
	if cfg.ConnLifetime <= 0 {
		cfg.ConnLifetime = defaultConnLifetime
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = &metrics.BlackholeSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	var c counters
	g, ctx := errgroup.WithContext(ctx)
	for i := range cfg.Workers {
		w := &worker{
			id:  i,
			cfg: &cfg,
			c:   &c,
		}
		g.Go(func() error { return w.run(ctx) })
	}
	err := g.Wait()

	report := Report{
		Connections: c.connections.Load(),
		Blocks:      c.blocks.Load(),
		Echoed:      c.echoed.Load(),
		Errors:      c.errors.Load(),
	}
	cfg.Logger.Info("flood over",
		"connections", report.Connections,
		"blocks", report.Blocks,
		"echoed", report.Echoed,
		"errors", report.Errors)
	return report, err
}

type worker struct {
	id  int
	cfg *Config
	c   *counters
}

func (w *worker) run(ctx context.Context) error {
	limit := rate.Inf
	if w.cfg.Rate > 0 {
		limit = rate.Limit(w.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	payload := make([]byte, w.cfg.BlockSize)
	for i := range payload {
		payload[i] = byte(w.id + i)
	}

	for ctx.Err() == nil {
		if err := w.session(ctx, limiter, payload); err != nil && ctx.Err() == nil {
			w.c.errors.Add(1)
			w.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricFloodErrors, 1.0, w.cfg.MetricLabels)
			w.cfg.Logger.Debug("flood connection failed", "worker", w.id, telemetry.LabelError.L(err))
			// Do not spin on a refusing target.
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil
}

// session sends blocks on one connection for ConnLifetime.
func (w *worker) session(ctx context.Context, limiter *rate.Limiter, payload []byte) error {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", w.cfg.Target)
	if err != nil {
		return err
	}
	defer nc.Close()
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	w.c.connections.Add(1)
	w.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricFloodConnections, 1.0, w.cfg.MetricLabels)

	deadline := time.Now().Add(w.cfg.ConnLifetime)
	_ = nc.SetDeadline(deadline.Add(time.Second))

	var seq byte
	block := make([]byte, 0, wire.BlockHeaderSize(len(payload))+1+len(payload))
	reply := make([]byte, wire.BlockHeaderSize(len(payload))+len(payload))
	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		seq++
		block = wire.AppendBlock(block[:0], seq, payload)
		if _, err := nc.Write(block); err != nil {
			return err
		}
		w.c.blocks.Add(1)
		w.cfg.MetricSink.IncrCounterWithLabels(telemetry.MetricFloodBlocks, 1.0, w.cfg.MetricLabels)

		if !w.cfg.Echo {
			continue
		}
		if _, err := io.ReadFull(nc, reply); err != nil {
			return err
		}
		length, size, ok := wire.ParseBlockHeader(reply)
		if !ok || length != len(payload) || size != len(reply)-len(payload) {
			return fmt.Errorf("flood: unexpected echo header %x", reply[:size])
		}
		w.c.echoed.Add(1)
	}
	return nil
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	gmprometheus "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrMetricsServer = errors.New("telemetry: metrics server failed")

// NewPrometheusSink returns a go-metrics sink whose series are exposed by
// reg. Series not updated for expiration are dropped.
func NewPrometheusSink(reg prometheus.Registerer, expiration time.Duration) (metrics.MetricSink, error) {
	if expiration == 0 {
		expiration = time.Minute
	}
	sink, err := gmprometheus.NewPrometheusSinkFrom(gmprometheus.PrometheusOpts{
		Expiration: expiration,
		Registerer: reg,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: could not register prometheus sink: %w", err)
	}
	return sink, nil
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// ListenMetrics binds addr and prepares a /metrics handler for gatherer.
func ListenMetrics(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetricsServer, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}))

	return &MetricsServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}, nil
}

func (ms *MetricsServer) Addr() net.Addr {
	return ms.ln.Addr()
}

// Serve blocks until ctx is done.
func (ms *MetricsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- ms.srv.Serve(ms.ln)
	}()
	ms.logger.Info("metrics endpoint ready", "addr", ms.ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("%w: %w", ErrMetricsServer, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ms.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%w: %w", ErrMetricsServer, err)
	}
	return nil
}

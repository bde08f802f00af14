package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWithDoesNotAlias(t *testing.T) {
	base := make([]metrics.Label, 1, 8)
	base[0] = LabelRole.M("gateway")

	a := With(base, PortLabel(3720))
	b := With(base, PortLabel(3721))

	require.Equal(t, "3720", a[1].Value)
	require.Equal(t, "3721", b[1].Value)
	require.Len(t, base, 1)
}

func TestNewLogHandler(t *testing.T) {
	var stderr, file bytes.Buffer
	h, err := NewLogHandler(&stderr, LogConfig{Level: "warn", Format: "text", File: &file})
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("dropped")
	logger.Warn("kept", LabelPort.L(3720))

	require.NotContains(t, stderr.String(), "dropped")
	require.Contains(t, stderr.String(), "port=3720")
	require.Contains(t, file.String(), `"port":3720`)

	_, err = NewLogHandler(io.Discard, LogConfig{Level: "loud"})
	require.Error(t, err)
	_, err = NewLogHandler(io.Discard, LogConfig{Format: "xml"})
	require.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg, time.Minute)
	require.NoError(t, err)

	sink.IncrCounterWithLabels(MetricClientAccepted, 3, []metrics.Label{PortLabel(3720)})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms, err := ListenMetrics("127.0.0.1:0", reg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ms.Serve(ctx) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ms.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.Contains(t, string(body), "splitgate_client_accepted_count")

	cancel()
	require.NoError(t, <-done)
}

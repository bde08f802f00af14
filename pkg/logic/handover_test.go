package logic

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/splitgate"
	"github.com/raskyld/splitgate/pkg/uplink"
	"github.com/raskyld/splitgate/pkg/wire"
	"github.com/stretchr/testify/require"
)

func startConnector(t *testing.T, controlAddr string, port uint16) (*Connector, <-chan error) {
	t.Helper()
	c, err := New(NewEcho(),
		WithControlAddr(uplink.NetworkTCP, controlAddr),
		WithClientPort(port),
		WithWatchdog(-1, 0),
		WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	return c, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("connector did not stop")
		return nil
	}
}

// readBlock reads one outbound block: header then payload.
func readBlock(t *testing.T, nc net.Conn) []byte {
	t.Helper()
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(10*time.Second)))
	header := make([]byte, 2)
	_, err := io.ReadFull(nc, header)
	require.NoError(t, err)
	length, size, ok := wire.ParseBlockHeader(header)
	require.True(t, ok)
	require.Equal(t, 2, size)

	payload := make([]byte, length)
	_, err = io.ReadFull(nc, payload)
	require.NoError(t, err)
	return payload
}

func TestHandoverKeepsClientsOpen(t *testing.T) {
	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(clientLn.Addr().(*net.TCPAddr).Port)

	gw, err := splitgate.Create(
		splitgate.WithControlAddr(uplink.NetworkTCP, "127.0.0.1:0"),
		splitgate.WithClientListener(port, clientLn),
		splitgate.WithHeartbeat(50*time.Millisecond),
		splitgate.WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- gw.Serve(context.Background()) }()
	defer func() {
		require.NoError(t, gw.Shutdown())
		require.NoError(t, <-served)
	}()
	controlAddr := gw.ControlAddr().String()

	first, firstDone := startConnector(t, controlAddr, port)

	client, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(wire.AppendBlock(nil, 1, []byte("hello")))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), readBlock(t, client))

	// The port is taken and the incumbent answers the probe.
	_, rejectedDone := startConnector(t, controlAddr, port)
	require.ErrorIs(t, wait(t, rejectedDone), ErrActivationRejected)

	first.Release()
	require.NoError(t, wait(t, firstDone))

	// Nobody drives the port, the gateway holds on to the bytes.
	_, err = client.Write(wire.AppendBlock(nil, 2, []byte("again")))
	require.NoError(t, err)

	second, secondDone := startConnector(t, controlAddr, port)
	require.Equal(t, []byte("again"), readBlock(t, client))

	second.Release()
	require.NoError(t, wait(t, secondDone))
}

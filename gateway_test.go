package splitgate

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/raskyld/splitgate/pkg/uplink"
	"github.com/raskyld/splitgate/pkg/wire"
	"github.com/stretchr/testify/require"
)

// rawController speaks the control protocol by hand.
type rawController struct {
	t      *testing.T
	nc     net.Conn
	dec    wire.FrameDecoder
	queued []wire.Event
}

func (rc *rawController) send(cmds ...wire.Command) {
	var fb wire.FrameBuilder
	for _, cmd := range cmds {
		fb.AddCommand(cmd)
	}
	_, err := rc.nc.Write(fb.Bytes())
	require.NoError(rc.t, err)
}

// next returns the next event, heartbeats are answered and skipped.
func (rc *rawController) next() wire.Event {
	rc.t.Helper()
	buf := make([]byte, 4096)
	for len(rc.queued) == 0 {
		frame, ok, err := rc.dec.Next()
		require.NoError(rc.t, err)
		if ok {
			events, err := wire.DecodeEvents(frame)
			require.NoError(rc.t, err)
			for _, e := range events {
				if _, hb := e.(wire.CheckConnection2); hb {
					continue
				}
				rc.queued = append(rc.queued, e)
			}
			continue
		}

		require.NoError(rc.t, rc.nc.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, err := rc.nc.Read(buf)
		require.NoError(rc.t, err)
		rc.dec.Feed(buf[:n])
	}
	e := rc.queued[0]
	rc.queued = rc.queued[1:]
	return e
}

func TestGatewayOverLoopback(t *testing.T) {
	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(clientLn.Addr().(*net.TCPAddr).Port)

	gw, err := Create(
		WithControlAddr(uplink.NetworkTCP, "127.0.0.1:0"),
		WithClientListener(port, clientLn),
		WithLog(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- gw.Serve(context.Background())
	}()

	nc, err := net.Dial("tcp", gw.ControlAddr().String())
	require.NoError(t, err)
	defer nc.Close()
	ctl := &rawController{t: t, nc: nc}

	ctl.send(wire.DoActivate{Port: port}, wire.DoReady{Port: port})
	require.Equal(t, wire.OnActivate{Port: port, Success: true}, ctl.next())

	client, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	init, ok := ctl.next().(wire.OnClientInit)
	require.True(t, ok)
	require.Equal(t, client.LocalAddr().String(), init.Endpoint)
	require.False(t, init.Complete)
	id := init.ClientID

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	var received []byte
	for len(received) < 4 {
		data, ok := ctl.next().(wire.OnClientData)
		require.True(t, ok)
		require.Equal(t, id, data.ClientID)
		received = append(received, data.Data...)
	}
	require.Equal(t, []byte("ping"), received)

	ctl.send(
		wire.DoProcess{ClientID: id, Length: 4},
		wire.DoSendData{ClientID: id, Data: []byte("pong")},
		wire.DoTerm{ClientID: id},
		wire.DoCommit{ClientID: id},
	)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)

	require.NoError(t, gw.Shutdown())
	require.NoError(t, <-served)
	require.ErrorIs(t, gw.Serve(context.Background()), ErrShutdown)
}

func TestCreateRejectsQuicWithoutTls(t *testing.T) {
	_, err := Create(WithControlAddr(uplink.NetworkQUIC, "127.0.0.1:0"))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, uplink.ErrNoTLSConfig)

	_, err = Create(WithControlAddr("sctp", ""))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

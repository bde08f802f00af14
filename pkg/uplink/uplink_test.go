package uplink

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/splitgate/pkg/loop"
	"github.com/raskyld/splitgate/pkg/wire"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-lp.Done()
	})
	return lp
}

type recorder struct {
	mu   sync.Mutex
	data []byte
	eof  bool
	err  error
}

func (r *recorder) HandleData(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
}

func (r *recorder) HandleEOF() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eof = true
}

func (r *recorder) HandleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) snapshot() (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data), r.eof, r.err
}

func TestConnReadWrite(t *testing.T) {
	lp := startLoop(t)
	local, remote := net.Pipe()

	rec := &recorder{}
	conn := NewConn(local, lp, Config{Logger: testLogger()})
	conn.Start(rec)

	go func() {
		remote.Write([]byte("hello"))
		remote.Close()
	}()

	require.Eventually(t, func() bool {
		data, eof, _ := rec.snapshot()
		return data == "hello" && eof
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.False(t, conn.Write([]byte("late")))
}

func TestConnShutdownDrains(t *testing.T) {
	lp := startLoop(t)
	local, remote := net.Pipe()

	conn := NewConn(local, lp, Config{Logger: testLogger()})
	conn.Start(&recorder{})

	drained := make(chan error, 1)
	require.NoError(t, lp.Call(context.Background(), func() {
		require.True(t, conn.Write([]byte("one ")))
		require.True(t, conn.Write([]byte("two")))
		conn.Shutdown(func(err error) { drained <- err })
		require.False(t, conn.Write([]byte("three")))
	}))

	got, err := io.ReadAll(remote)
	require.NoError(t, err)
	require.Equal(t, "one two", string(got))

	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never completed")
	}
	require.True(t, conn.Closed())
}

func TestChannelBatchesOneFramePerTurn(t *testing.T) {
	lp := startLoop(t)
	local, remote := net.Pipe()

	ch := NewChannel(NewConn(local, lp, Config{}), func([]byte) error { return nil }, func(error) {})
	ch.Start()

	require.NoError(t, lp.Call(context.Background(), func() {
		ch.SendCommand(wire.DoSetState{ClientID: 1})
		ch.SendCommand(wire.DoProcess{ClientID: 1, Length: 5})
		ch.SendCommand(wire.DoCommit{ClientID: 1})
	}))

	var dec wire.FrameDecoder
	buf := make([]byte, 256)
	var frame []byte
	for frame == nil {
		n, err := remote.Read(buf)
		require.NoError(t, err)
		dec.Feed(buf[:n])
		f, ok, err := dec.Next()
		require.NoError(t, err)
		if ok {
			frame = f
		}
	}

	cmds, err := wire.DecodeCommands(frame)
	require.NoError(t, err)
	require.Equal(t, []wire.Command{
		wire.DoSetState{ClientID: 1},
		wire.DoProcess{ClientID: 1, Length: 5},
		wire.DoCommit{ClientID: 1},
	}, cmds)
	require.Zero(t, dec.Buffered())
	remote.Close()
}

func TestChannelFailures(t *testing.T) {
	cases := map[string][]byte{
		"zero length frame": {0, 0, 0, 0},
		"truncated frame":   {8, 0, 0, 0, 1},
		"handler error":     wire.AppendFrame(nil, []byte{0x55}),
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			lp := startLoop(t)
			local, remote := net.Pipe()

			closed := make(chan error, 1)
			ch := NewChannel(NewConn(local, lp, Config{}), func(frame []byte) error {
				_, err := wire.DecodeCommands(frame)
				return err
			}, func(err error) { closed <- err })
			ch.Start()

			go func() {
				remote.Write(payload)
				remote.Close()
			}()

			select {
			case err := <-closed:
				require.Error(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("channel did not fail")
			}
		})
	}
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func generateCert(t *testing.T, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey, isCA bool) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "splitgate-test"},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	if parent == nil {
		parent = tmpl
		parentKey = key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestQUICControlChannel(t *testing.T) {
	caKey := generateKeyPair(t)
	ca := generateCert(t, nil, nil, caKey, true)
	leafKey := generateKeyPair(t)
	leaf := generateCert(t, ca, caKey, leafKey, false)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	serverConf := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  leafKey,
		}},
	}
	clientConf := &tls.Config{
		RootCAs:    pool,
		ServerName: "127.0.0.1",
	}

	ln, err := Listen(NetworkQUIC, "127.0.0.1:0", serverConf)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept(ctx)
		if err == nil {
			accepted <- nc
		}
	}()

	client, err := Dial(ctx, NetworkQUIC, ln.Addr().String(), clientConf)
	require.NoError(t, err)
	defer client.Close()

	// The stream only shows up on the listener once written to.
	frame := wire.AppendFrame(nil, wire.AppendCommand(nil, wire.DoActivate{Port: 3720}))
	_, err = client.Write(frame)
	require.NoError(t, err)

	var server net.Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no control stream accepted")
	}
	defer server.Close()

	buf := make([]byte, len(frame))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, frame, buf)
}

func TestListenRejects(t *testing.T) {
	_, err := Listen(NetworkQUIC, "127.0.0.1:0", nil)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = Listen("sctp", "127.0.0.1:0", nil)
	require.ErrorIs(t, err, ErrUnknownNetwork)
}

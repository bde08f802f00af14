package main

import (
	"bytes"
	"net"
	"testing"

	"github.com/raskyld/splitgate/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestFloodCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	require.NoError(t, ln.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"--env-file", "",
		"--log-level", "error",
		"flood",
		"--target", target,
		"--workers", "1",
		"--duration", "100ms",
	})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "connections=0")
	require.Equal(t, "error", procEnv.cfg.Log.Level, "flags override the configuration")
	require.Equal(t, 64, procEnv.cfg.Flood.BlockSize)
}

func TestLoadTlsConfig(t *testing.T) {
	tlsConf, err := loadTlsConfig(config.Control{Network: "tcp"}, true)
	require.NoError(t, err)
	require.Nil(t, tlsConf)

	_, err = loadTlsConfig(config.Control{Network: "quic"}, true)
	require.Error(t, err)

	_, err = loadTlsConfig(config.Control{
		Network: "quic",
		TLS:     config.TLS{Cert: "missing.pem", Key: "missing.key"},
	}, false)
	require.Error(t, err)
}

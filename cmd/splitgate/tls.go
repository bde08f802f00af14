package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/raskyld/splitgate/pkg/config"
	"github.com/raskyld/splitgate/pkg/uplink"
)

// loadTlsConfig returns nil for a TCP control channel. With a CA, peers are
// mutually authenticated.
func loadTlsConfig(ctl config.Control, server bool) (*tls.Config, error) {
	if ctl.Network != uplink.NetworkQUIC {
		return nil, nil
	}
	if ctl.TLS.Cert == "" || ctl.TLS.Key == "" {
		return nil, errors.New("quic needs a certificate and a key")
	}

	keypair, err := tls.LoadX509KeyPair(ctl.TLS.Cert, ctl.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load cert: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{keypair},
		ServerName:   ctl.TLS.ServerName,
		MinVersion:   tls.VersionTLS13,
	}
	if ctl.TLS.CA == "" {
		return tlsConf, nil
	}

	caBytes, err := os.ReadFile(ctl.TLS.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", ctl.TLS.CA)
	}
	if server {
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = caBundle
	} else {
		tlsConf.RootCAs = caBundle
	}
	return tlsConf, nil
}

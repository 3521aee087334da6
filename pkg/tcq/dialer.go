package tcq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"
)

// Dialer opens the transport of a connection. The backend is chosen once
// when the session is built.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer builds the default TCP dialer, wrapped in TLS when enabled.
func NewDialer(cs *ClusterSeasoning) (Dialer, error) {

	netDialer := &net.Dialer{
		Timeout:   millis(cs.ConnectTimeout),
		KeepAlive: 30 * time.Second,
	}

	if cs.TLSConfig == nil || !cs.TLSConfig.EnableTLS {
		return netDialer, nil
	}

	tlsConfig, err := CreateTLSConfig(cs.TLSConfig.PEMCertLocation, cs.TLSConfig.LocalCertLocation)
	if err != nil {
		return nil, err
	}
	tlsConfig.ServerName = cs.TLSConfig.CertServerName

	return &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}, nil
}

// CreateTLSConfig loads the CA bundle and an optional client key pair
// (certificate and key in one PEM file).
func CreateTLSConfig(pemLocation string, localLocation string) (*tls.Config, error) {

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    x509.NewCertPool(),
	}

	ca, err := os.ReadFile(pemLocation)
	if err != nil {
		return nil, err
	}
	if !cfg.RootCAs.AppendCertsFromPEM(ca) {
		return nil, errors.New("no certificates found in " + pemLocation)
	}

	if localLocation == "" {
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(localLocation, localLocation)
	if err != nil {
		return nil, err
	}

	cfg.Certificates = append(cfg.Certificates, cert)
	return cfg, nil
}

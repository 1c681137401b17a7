// Package tlsconfig builds TLS configuration for the status endpoint and its
// clients.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds paths to PEM encoded certificates and keys.
type Config struct {
	CertPath string
	KeyPath  string

	// CACertPath is optional for a server. When it's set clients must present
	// a certificate signed by it. A client always needs it to verify the
	// server.
	CACertPath string

	// ServerName is the name a client expects in the server certificate.
	ServerName string

	Server bool
}

// SetupTLS returns the *tls.Config described by config.
func SetupTLS(config *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: false,
		ServerName:         config.ServerName,
	}

	if config.Server || config.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}

		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	var caCertPool *x509.CertPool

	if config.CACertPath != "" {
		caCert, err := os.ReadFile(config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool = x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
	}

	switch {
	case config.Server && caCertPool != nil:
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = caCertPool

	case config.Server:
		tlsConfig.ClientAuth = tls.NoClientCert

	case caCertPool == nil:
		return nil, errors.New("CA certificate is required for a client")

	default:
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}

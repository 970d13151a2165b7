// Package tlsutil builds tls.Config values for the gateway listener and its
// clients.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/labctrl/config"
	"github.com/c360/labctrl/errors"
)

// LoadServerConfig creates the listener TLS config. It returns nil when TLS
// is disabled.
func LoadServerConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) > 0 {
		pool, err := loadPool(x509.NewCertPool(), cfg.ClientCAFiles)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadServerConfig", "load client CAs")
		}
		tlsConfig.ClientCAs = pool
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}
	return tlsConfig, nil
}

// ClientConfig describes how a client verifies the server
type ClientConfig struct {
	CAFiles            []string // trusted in addition to the system pool
	CertFile, KeyFile  string   // client certificate, optional
	InsecureSkipVerify bool
	MinVersion         string
}

// LoadClientConfig creates a client TLS config. The system CA bundle is
// always trusted; CAFiles are added to it.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	rootCAs, err = loadPool(rootCAs, cfg.CAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load CAs")
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test benches
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", caFile, err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse CA certificate from %s: invalid PEM data", caFile)
		}
	}
	return pool, nil
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

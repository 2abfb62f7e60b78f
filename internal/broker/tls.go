package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned when the CA bundle holds no PEM certificate.
var ErrNoCertificates = errors.New("no certificates in CA bundle")

// LoadTLSConfig builds a TLS 1.2+ client config. An empty caFile uses the
// system roots.
func LoadTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}

	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

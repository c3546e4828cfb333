package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/iot-go-sdk/otaengine/pkg/config"
)

// LoadCACert returns a pool holding the PEM certificates in path. An empty
// path yields the system pool.
func LoadCACert(path string) (*x509.CertPool, error) {
	if path == "" {
		return x509.SystemCertPool()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found in CA file")
	}
	return pool, nil
}

// NewClientConfig builds the client side TLS configuration shared by the
// version checker and the MQTT transport.
func NewClientConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.SkipVerify {
		return tlsConfig, nil
	}
	pool, err := LoadCACert(cfg.CACert)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

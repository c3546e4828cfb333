// Package testutil holds key and certificate fixtures shared by package tests.
package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// KeyPair is a signing key written to disk together with its certificate.
type KeyPair struct {
	Signer   crypto.Signer
	KeyPath  string
	CertPath string
	Cert     *x509.Certificate
	CertPEM  []byte
	KeyPEM   []byte
}

// NewRSAKeyPair writes an RSA key of the given size and a self-signed
// certificate for it into a temp dir.
func NewRSAKeyPair(t testing.TB, bits int) *KeyPair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return writeKeyPair(t, key, keyPEM)
}

// NewECDSAKeyPair is NewRSAKeyPair for a P-256 key stored as PKCS#8.
func NewECDSAKeyPair(t testing.TB) *KeyPair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return writeKeyPair(t, key, keyPEM)
}

func writeKeyPair(t testing.TB, key crypto.Signer, keyPEM []byte) *KeyPair {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	dir := t.TempDir()
	kp := &KeyPair{
		Signer:   key,
		KeyPath:  filepath.Join(dir, "key.pem"),
		CertPath: filepath.Join(dir, "cert.pem"),
		Cert:     cert,
		CertPEM:  certPEM,
		KeyPEM:   keyPEM,
	}
	require.NoError(t, os.WriteFile(kp.KeyPath, keyPEM, 0600))
	require.NoError(t, os.WriteFile(kp.CertPath, certPEM, 0644))
	return kp
}

// TLSCertificate returns kp as a server certificate.
func (kp *KeyPair) TLSCertificate(t testing.TB) tls.Certificate {
	t.Helper()
	cert, err := tls.X509KeyPair(kp.CertPEM, kp.KeyPEM)
	require.NoError(t, err)
	return cert
}

package pkgcodec

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// loadSigner reads a PEM encoded RSA or ECDSA private key.
func loadSigner(keyPath string) (crypto.Signer, SignMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, SignNone, fmt.Errorf("%w: failed to read key: %v", ErrInvalidFile, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, SignNone, invalidFile("no PEM block in %s", keyPath)
	}

	var key interface{}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, SignNone, invalidFile("unsupported key type %q", block.Type)
	}
	if err != nil {
		return nil, SignNone, fmt.Errorf("%w: failed to parse key: %v", ErrInvalidFile, err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, SignRsa, nil
	case *ecdsa.PrivateKey:
		return k, SignEcdsa, nil
	}
	return nil, SignNone, fmt.Errorf("%w: key type %T", ErrNotExistAlgorithm, key)
}

// loadPublicKey reads the trust anchor: a certificate or a public key in PEM.
func loadPublicKey(trustPath string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(trustPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read trust anchor: %v", ErrInvalidParam, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, invalidFile("no PEM block in %s", trustPath)
	}

	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		return cert.PublicKey, nil
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
		}
		return pub, nil
	}
	return nil, invalidFile("unsupported trust anchor type %q", block.Type)
}

func signDigest(signer crypto.Signer, m DigestMethod, digest []byte) ([]byte, error) {
	h, err := cryptoHash(m)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(rand.Reader, digest, h)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// verifySignature checks the signature stored left aligned in slot.
func verifySignature(pub crypto.PublicKey, m DigestMethod, digest, slot []byte) error {
	h, err := cryptoHash(m)
	if err != nil {
		return err
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.Size() > len(slot) {
			return fmt.Errorf("%w: rsa key too large for %s slot", ErrInvalidSignature, m)
		}
		if err := rsa.VerifyPKCS1v15(k, h, digest, slot[:k.Size()]); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	case *ecdsa.PublicKey:
		s := cryptobyte.String(slot)
		var sig cryptobyte.String
		if !s.ReadASN1Element(&sig, asn1.SEQUENCE) {
			return fmt.Errorf("%w: malformed ecdsa signature", ErrInvalidSignature)
		}
		if !ecdsa.VerifyASN1(k, digest, sig) {
			return fmt.Errorf("%w: ecdsa verification failed", ErrInvalidSignature)
		}
		return nil
	}
	return fmt.Errorf("%w: public key type %T", ErrNotExistAlgorithm, pub)
}

// Package testpki creates throwaway RSA identities and writes them as
// PKCS#12 bundles and PEM certificates for tests.
package testpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// Identity is a self-signed certificate and its key
type Identity struct {
	Name string
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
}

// New generates a self-signed identity with common name cn
func New(t testing.TB, cn string) *Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"AS2 Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &Identity{Name: cn, Key: key, Cert: cert}
}

// PEM returns the certificate as a PEM block
func (id *Identity) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Cert.Raw}))
}

// WritePKCS12 writes key and certificate to dir and returns the file path
func (id *Identity) WritePKCS12(t testing.TB, dir, password string) string {
	t.Helper()
	data, err := pkcs12.Modern.Encode(id.Key, id.Cert, nil, password)
	require.NoError(t, err)
	path := filepath.Join(dir, id.Name+".p12")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// WriteCertificate writes the PEM certificate to dir and returns the file path
func (id *Identity) WriteCertificate(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, id.Name+".pem")
	require.NoError(t, os.WriteFile(path, []byte(id.PEM()), 0o644))
	return path
}

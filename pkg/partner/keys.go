package partner

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

type keyMaterial struct {
	certificate *x509.Certificate
	privateKey  crypto.PrivateKey
	bundleCert  *x509.Certificate
	caCerts     []*x509.Certificate
}

func loadKeyMaterial(p12Path, p12Password, certificate string) (keyMaterial, error) {
	var km keyMaterial

	if p12Path != "" {
		data, err := os.ReadFile(p12Path)
		if err != nil {
			return km, fmt.Errorf("reading pkcs12 bundle: %w", err)
		}
		key, cert, ca, err := pkcs12.DecodeChain(data, p12Password)
		if err != nil {
			return km, fmt.Errorf("decoding pkcs12 bundle %s: %w", p12Path, err)
		}
		km.privateKey = key
		km.bundleCert = cert
		km.caCerts = ca
	}

	if certificate != "" {
		cert, err := loadCertificate(certificate)
		if err != nil {
			return km, err
		}
		km.certificate = cert
	}

	return km, nil
}

// loadCertificate accepts an inline PEM block or a path to a PEM or DER file
func loadCertificate(ref string) (*x509.Certificate, error) {
	data := []byte(ref)
	if !strings.HasPrefix(strings.TrimSpace(ref), "-----BEGIN") {
		var err error
		data, err = os.ReadFile(ref)
		if err != nil {
			return nil, fmt.Errorf("reading certificate: %w", err)
		}
	}

	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q in certificate", block.Type)
		}
		data = block.Bytes
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, nil
}

package security

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate does not chain to a trusted root
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked
	ErrCertificateRevoked = errors.New("certificate has been revoked")
)

// CertificateValidator decides whether a partner certificate may be used.
// purpose is "signing" or "encryption".
type CertificateValidator interface {
	ValidateCertificate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, purpose string) error
}

// DefaultCertificateValidator checks the validity period and, when roots are
// configured, that the certificate chains to one of them. AS2 partners
// commonly exchange self-signed certificates, so without roots no chain is
// built.
type DefaultCertificateValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewDefaultCertificateValidator creates a validator; roots may be nil
func NewDefaultCertificateValidator(roots *x509.CertPool) *DefaultCertificateValidator {
	return &DefaultCertificateValidator{
		roots: roots,
		now:   time.Now,
	}
}

// ValidateCertificate implements CertificateValidator
func (v *DefaultCertificateValidator) ValidateCertificate(_ context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, purpose string) error {
	now := v.now()
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}
	if v.roots == nil {
		return nil
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range intermediates {
		opts.Intermediates.AddCert(c)
	}
	if purpose == "signing" || purpose == "encryption" {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny}
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}

// RevocationAwareCertValidator adds a revocation check on top of another validator
type RevocationAwareCertValidator struct {
	base    CertificateValidator
	checker RevocationChecker
}

// NewRevocationAwareCertValidator wraps base with revocation checking
func NewRevocationAwareCertValidator(base CertificateValidator, checker RevocationChecker) *RevocationAwareCertValidator {
	return &RevocationAwareCertValidator{
		base:    base,
		checker: checker,
	}
}

// ValidateCertificate implements CertificateValidator. The issuer is looked
// up among intermediates; a certificate without a known issuer is not
// checked for revocation.
func (v *RevocationAwareCertValidator) ValidateCertificate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, purpose string) error {
	if err := v.base.ValidateCertificate(ctx, cert, intermediates, purpose); err != nil {
		return err
	}
	if v.checker == nil {
		return nil
	}

	for _, issuer := range intermediates {
		if cert.CheckSignatureFrom(issuer) == nil {
			return v.checker.CheckRevocation(ctx, cert, issuer)
		}
	}
	return nil
}

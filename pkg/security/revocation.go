package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationChecker reports ErrCertificateRevoked for a revoked certificate
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error
}

// OCSPConfig configures OCSP checking behavior
type OCSPConfig struct {
	// HTTPClient for OCSP and CRL requests (optional)
	HTTPClient *http.Client
	// Timeout for each request
	Timeout time.Duration
	// CRLFallback consults CRL distribution points when OCSP gives no answer
	CRLFallback bool
	// CacheTimeout bounds how long answers are reused
	CacheTimeout time.Duration
	// StrictMode fails when revocation status cannot be determined
	StrictMode bool
}

// DefaultOCSPConfig returns default configuration
func DefaultOCSPConfig() *OCSPConfig {
	return &OCSPConfig{
		Timeout:      10 * time.Second,
		CRLFallback:  true,
		CacheTimeout: time.Hour,
	}
}

// OCSPRevocationChecker asks the certificate's OCSP responder and falls back
// to its CRL distribution points
type OCSPRevocationChecker struct {
	config     *OCSPConfig
	httpClient *http.Client
	ocspCache  *ttlCache[error]
	crlCache   *ttlCache[*x509.RevocationList]
}

// NewOCSPRevocationChecker creates a checker; nil config means defaults
func NewOCSPRevocationChecker(config *OCSPConfig) *OCSPRevocationChecker {
	if config == nil {
		config = DefaultOCSPConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OCSPRevocationChecker{
		config:     config,
		httpClient: client,
		ocspCache:  newTTLCache[error](config.CacheTimeout),
		crlCache:   newTTLCache[*x509.RevocationList](config.CacheTimeout),
	}
}

// CheckRevocation implements RevocationChecker
func (c *OCSPRevocationChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return errors.New("certificate and issuer are required")
	}

	ocspErr := c.checkOCSP(ctx, cert, issuer)
	if ocspErr == nil || errors.Is(ocspErr, ErrCertificateRevoked) {
		return ocspErr
	}

	if c.config.CRLFallback {
		crlErr := c.checkCRL(ctx, cert)
		if crlErr == nil || errors.Is(crlErr, ErrCertificateRevoked) {
			return crlErr
		}
		if c.config.StrictMode {
			return fmt.Errorf("revocation status unknown: OCSP: %v, CRL: %v", ocspErr, crlErr)
		}
	}

	if c.config.StrictMode {
		return fmt.Errorf("revocation status unknown: %w", ocspErr)
	}
	return nil
}

func (c *OCSPRevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) error {
	key := cert.SerialNumber.String()
	if cached, ok := c.ocspCache.get(key); ok {
		return cached
	}
	if len(cert.OCSPServer) == 0 {
		return errors.New("no OCSP server in certificate")
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("failed to create OCSP request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cert.OCSPServer[0], bytes.NewReader(req))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	body, err := c.fetch(httpReq)
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}

	resp, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	var result error
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		result = ErrCertificateRevoked
	default:
		return fmt.Errorf("OCSP status %d", resp.Status)
	}
	c.ocspCache.set(key, result)
	return result
}

func (c *OCSPRevocationChecker) checkCRL(ctx context.Context, cert *x509.Certificate) error {
	if len(cert.CRLDistributionPoints) == 0 {
		return errors.New("no CRL distribution points in certificate")
	}

	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, ok := c.crlCache.get(dp)
		if !ok {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, dp, nil)
			if err != nil {
				lastErr = err
				continue
			}
			body, err := c.fetch(req)
			if err != nil {
				lastErr = err
				continue
			}
			if crl, err = x509.ParseRevocationList(body); err != nil {
				lastErr = fmt.Errorf("failed to parse CRL: %w", err)
				continue
			}
			c.crlCache.set(dp, crl)
		}

		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrCertificateRevoked
			}
		}
		return nil
	}
	return fmt.Errorf("failed to check CRL: %w", lastErr)
}

func (c *OCSPRevocationChecker) fetch(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type ttlEntry[T any] struct {
	value  T
	stored time.Time
}

// ttlCache is a mutex guarded map whose entries expire after timeout
type ttlCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]ttlEntry[T]
	timeout time.Duration
}

func newTTLCache[T any](timeout time.Duration) *ttlCache[T] {
	return &ttlCache[T]{entries: make(map[string]ttlEntry[T]), timeout: timeout}
}

func (c *ttlCache[T]) get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.stored) > c.timeout {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[T]) set(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[T]{value: v, stored: time.Now()}
}

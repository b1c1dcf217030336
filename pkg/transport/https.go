// Package transport posts AS2 transmissions over HTTP(S)
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/Azure/go-ntlmssp"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// RecommendedTLS12CipherSuites are offered when TLS 1.2 is negotiated
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// DefaultUserAgent is sent when Config.UserAgent is empty
const DefaultUserAgent = "go-as2/1.0"

// ErrHTTPStatus is matched by every *StatusError
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// ErrTooManyRedirects is returned when a send exceeds Config.MaxRedirects
var ErrTooManyRedirects = errors.New("too many redirects")

// StatusError reports a non-2xx response
type StatusError struct {
	StatusCode int
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP Error Code : %d(url:%s)", e.StatusCode, e.URL)
}

// Is makes errors.Is(err, ErrHTTPStatus) hold
func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// Config contains HTTP client configuration
type Config struct {
	Timeout         time.Duration
	MaxRedirects    int
	UserAgent       string
	IdleConnTimeout time.Duration

	// InsecureSkipVerify disables TLS peer verification for every partner.
	// Partner.TLSInsecureSkipVerify does the same for one partner.
	InsecureSkipVerify bool
	MinTLSVersion      uint16
	RootCAs            *x509.CertPool

	CircuitBreaker BreakerConfig
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		MaxRedirects:    10,
		UserAgent:       DefaultUserAgent,
		IdleConnTimeout: 90 * time.Second,
		MinTLSVersion:   TLS12,
	}
}

// ServerTLSConfig returns the TLS settings the inbound listener uses
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   TLS12,
		MaxVersion:   TLS13,
		CipherSuites: RecommendedTLS12CipherSuites,
		Certificates: []tls.Certificate{cert},
	}
}

// Request is one outbound transmission
type Request struct {
	URL string
	// Header holds the transmission headers, sent as they are formatted
	Header      *header.Header
	Body        []byte
	Credentials partner.Credentials
	// InsecureSkipVerify disables TLS verification for this request only
	InsecureSkipVerify bool
}

// Response is the final response of a transmission together with the
// headers of every hop it went through
type Response struct {
	StatusCode int
	URL        string
	// Hops holds one header block per response received, redirects first
	Hops []*header.Header
	Body []byte
}

// Header returns the headers of the final hop
func (r *Response) Header() *header.Header {
	if len(r.Hops) == 0 {
		return header.New()
	}
	return r.Hops[len(r.Hops)-1]
}

// Client posts AS2 transmissions. There is no retry: a failed send is
// returned to the caller once.
type Client struct {
	config   *Config
	logger   *slog.Logger
	secure   *http.Client
	insecure *http.Client
	// ntlm and ntlmInsecure share the pools above and run the NTLM handshake
	ntlm         *http.Client
	ntlmInsecure *http.Client
	breakers     *breakers
}

// NewClient creates a new client; nil config means DefaultConfig()
func NewClient(config *Config, logger *slog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	c := &Client{
		config:   config,
		logger:   logger,
		secure:   newHTTPClient(config, config.InsecureSkipVerify),
		insecure: newHTTPClient(config, true),
	}
	c.ntlm = negotiating(c.secure)
	c.ntlmInsecure = negotiating(c.insecure)
	if config.CircuitBreaker.Enabled {
		c.breakers = newBreakers(config.CircuitBreaker, logger)
	}
	return c
}

func newHTTPClient(config *Config, skipVerify bool) *http.Client {
	minVersion := config.MinTLSVersion
	if minVersion == 0 {
		minVersion = TLS12
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion:         minVersion,
			CipherSuites:       RecommendedTLS12CipherSuites,
			RootCAs:            config.RootCAs,
			InsecureSkipVerify: skipVerify, //nolint:gosec // opt-in per configuration
		},
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		// redirects are followed by Post so every hop is recorded
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// negotiating returns a copy of client that turns Basic credentials into an
// NTLM or Negotiate handshake when the server asks for one
func negotiating(client *http.Client) *http.Client {
	c := *client
	c.Transport = ntlmssp.Negotiator{RoundTripper: client.Transport}
	return &c
}

func (c *Client) httpClient(req *Request) *http.Client {
	ntlm := req.Credentials.Method == partner.AuthNTLM || req.Credentials.Method == partner.AuthGSS
	switch {
	case ntlm && req.InsecureSkipVerify:
		return c.ntlmInsecure
	case ntlm:
		return c.ntlm
	case req.InsecureSkipVerify:
		return c.insecure
	}
	return c.secure
}

// Post sends the request, following redirects up to the configured limit.
// A non-2xx final status is returned as *StatusError together with the
// response.
func (c *Client) Post(ctx context.Context, req *Request) (*Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}

	if c.breakers == nil {
		return c.post(ctx, req)
	}

	var resp *Response
	err = c.breakers.execute(target.Host, func() error {
		var err error
		resp, err = c.post(ctx, req)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
			// the peer answered; only server errors and transport
			// failures count against it
			return nil
		}
		return err
	})
	if err != nil {
		return resp, err
	}
	if resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return resp, &StatusError{StatusCode: resp.StatusCode, URL: resp.URL, Body: resp.Body}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, req *Request) (*Response, error) {
	client := c.httpClient(req)

	out := &Response{URL: req.URL}
	method, body := http.MethodPost, req.Body
	var digest *digestChallenge

	for redirects := 0; ; {
		httpReq, err := c.newRequest(ctx, method, out.URL, req, body, digest)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("failed to send request to %s: %w", out.URL, err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response from %s: %w", out.URL, err)
		}

		out.StatusCode = resp.StatusCode
		out.Body = data
		out.Hops = append(out.Hops, header.FromMIME(textproto.MIMEHeader(resp.Header)))

		if resp.StatusCode == http.StatusUnauthorized && digest == nil && req.Credentials.Method == partner.AuthDigest {
			if digest, err = parseDigestChallenge(resp.Header.Get("WWW-Authenticate")); err != nil {
				return out, err
			}
			continue
		}

		loc := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || loc == "" {
			break
		}
		if redirects++; redirects > c.config.MaxRedirects {
			return out, fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.config.MaxRedirects)
		}
		next, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return out, fmt.Errorf("invalid redirect location %q: %w", loc, err)
		}
		c.logger.Debug("following redirect", "from", out.URL, "to", next.String(), "status", resp.StatusCode)
		out.URL = next.String()
		if resp.StatusCode == http.StatusSeeOther {
			method, body = http.MethodGet, nil
		}
		digest = nil
	}

	if out.StatusCode < 200 || out.StatusCode > 299 {
		return out, &StatusError{StatusCode: out.StatusCode, URL: out.URL, Body: out.Body}
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, req *Request, body []byte, digest *digestChallenge) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.Header != nil {
		for _, f := range req.Header.Fields() {
			httpReq.Header.Set(f.Name, f.Value)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		ua := c.config.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		httpReq.Header.Set("User-Agent", ua)
	}

	switch req.Credentials.Method {
	case partner.AuthBasic, partner.AuthNTLM, partner.AuthGSS:
		// the negotiating client converts these to NTLM on demand
		httpReq.SetBasicAuth(req.Credentials.Login, req.Credentials.Password)
	case partner.AuthDigest:
		if digest != nil {
			httpReq.Header.Set("Authorization", digest.authorize(method, httpReq.URL.RequestURI(), req.Credentials))
		}
	}
	return httpReq, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

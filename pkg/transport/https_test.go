package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", config.Timeout)
	}
	if config.MaxRedirects != 10 {
		t.Errorf("expected MaxRedirects 10, got %d", config.MaxRedirects)
	}
	if config.InsecureSkipVerify {
		t.Error("expected TLS verification on by default")
	}
	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
}

func TestRecommendedTLS12CipherSuites(t *testing.T) {
	for _, suite := range RecommendedTLS12CipherSuites {
		if tls.CipherSuiteName(suite) == "" {
			t.Errorf("unknown cipher suite: %d", suite)
		}
	}
}

func TestClientPost(t *testing.T) {
	var got http.Header
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("AS2-From", "receiver")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(nil, nil)
	resp, err := client.Post(context.Background(), &Request{
		URL:    server.URL,
		Header: header.New("AS2-From", "sender", "AS2-To", "receiver", "Content-Type", "application/edi-x12"),
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Get("As2-From") != "sender" || got.Get("As2-To") != "receiver" {
		t.Errorf("transmission headers not sent: %v", got)
	}
	if got.Get("User-Agent") != DefaultUserAgent {
		t.Errorf("expected user agent %q, got %q", DefaultUserAgent, got.Get("User-Agent"))
	}
	if string(body) != "payload" {
		t.Errorf("expected body 'payload', got %q", body)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("expected response 'ok', got %q", resp.Body)
	}
	if resp.Header().Get("as2-from") != "receiver" {
		t.Errorf("expected response header to be captured")
	}
}

func TestClientPost_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewClient(nil, nil).Post(context.Background(), &Request{URL: server.URL})
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	want := fmt.Sprintf("HTTP Error Code : 403(url:%s)", server.URL)
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestClientPost_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hop", "1")
		http.Redirect(w, r, "/second", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST after 307, got %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Hop", "2")
		w.Write(b)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusTemporaryRedirect)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(nil, nil)
	resp, err := client.Post(context.Background(), &Request{URL: server.URL + "/first", Body: []byte("edi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Hops) != 2 {
		t.Fatalf("expected 2 hops, got %d", len(resp.Hops))
	}
	if resp.Hops[0].Get("x-hop") != "1" || resp.Hops[1].Get("x-hop") != "2" {
		t.Errorf("hop headers not captured in order")
	}
	if string(resp.Body) != "edi" {
		t.Errorf("body not re-posted after redirect: %q", resp.Body)
	}
	if resp.URL != server.URL+"/second" {
		t.Errorf("expected final url %s/second, got %s", server.URL, resp.URL)
	}

	config := DefaultConfig()
	config.MaxRedirects = 3
	_, err = NewClient(config, nil).Post(context.Background(), &Request{URL: server.URL + "/loop"})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Errorf("expected ErrTooManyRedirects, got %v", err)
	}
}

func TestClientPost_BasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "as2" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}))
	defer server.Close()

	_, err := NewClient(nil, nil).Post(context.Background(), &Request{
		URL:         server.URL,
		Credentials: partner.Credentials{Method: partner.AuthBasic, Login: "as2", Password: "secret"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientPost_DigestAuth(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Digest ") {
			w.Header().Set("WWW-Authenticate", `Digest realm="as2", nonce="abc123", qop="auth,auth-int", opaque="xyz"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		params := parseAuthParams(strings.TrimPrefix(auth, "Digest "))
		c := &digestChallenge{realm: "as2", nonce: "abc123"}
		ha1 := c.h("as2", "as2", "secret")
		ha2 := c.h(r.Method, params["uri"])
		want := c.h(ha1, "abc123", params["nc"], params["cnonce"], "auth", ha2)
		if params["response"] != want || params["opaque"] != "xyz" || params["username"] != "as2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("welcome"))
	}))
	defer server.Close()

	resp, err := NewClient(nil, nil).Post(context.Background(), &Request{
		URL:         server.URL + "/as2",
		Body:        []byte("x"),
		Credentials: partner.Credentials{Method: partner.AuthDigest, Login: "as2", Password: "secret"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "welcome" {
		t.Errorf("expected welcome, got %q", resp.Body)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected challenge and one authorized attempt, got %d", attempts)
	}
}

func TestClientPost_NTLMAuth(t *testing.T) {
	for _, tc := range []struct {
		method partner.CredentialMethod
		scheme string
	}{
		{partner.AuthNTLM, "NTLM"},
		{partner.AuthGSS, "Negotiate"},
	} {
		t.Run(string(tc.method), func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				data, _ := io.ReadAll(r.Body)
				auth := r.Header.Get("Authorization")
				if auth == "" {
					w.Header().Set("WWW-Authenticate", tc.scheme)
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				token, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, tc.scheme+" "))
				if err != nil || !strings.HasPrefix(auth, tc.scheme+" ") || !bytes.HasPrefix(token, []byte("NTLMSSP\x00")) {
					t.Errorf("expected an NTLM negotiate message, got %q", auth)
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				if string(data) != "ISA*00~" {
					t.Errorf("expected the body on the authenticated attempt, got %q", data)
				}
				w.Write([]byte("welcome"))
			}))
			defer server.Close()

			resp, err := NewClient(nil, nil).Post(context.Background(), &Request{
				URL:         server.URL + "/as2",
				Body:        []byte("ISA*00~"),
				Credentials: partner.Credentials{Method: tc.method, Login: `CORP\as2`, Password: "secret"},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(resp.Body) != "welcome" {
				t.Errorf("expected welcome, got %q", resp.Body)
			}
			if atomic.LoadInt32(&attempts) != 2 {
				t.Errorf("expected an anonymous attempt and a negotiate attempt, got %d", attempts)
			}
		})
	}
}

func TestClientPost_NTLMFallsBackToBasic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="as2"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if user != "as2" || pass != "secret" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	_, err := NewClient(nil, nil).Post(context.Background(), &Request{
		URL:         server.URL,
		Credentials: partner.Credentials{Method: partner.AuthNTLM, Login: "as2", Password: "secret"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseAuthParams(t *testing.T) {
	params := parseAuthParams(`realm="a, b", nonce=n1, qop="auth"`)
	if params["realm"] != "a, b" || params["nonce"] != "n1" || params["qop"] != "auth" {
		t.Errorf("unexpected params: %v", params)
	}
}

func TestClientPost_TLSVerification(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := NewClient(nil, nil)
	if _, err := client.Post(context.Background(), &Request{URL: server.URL}); err == nil {
		t.Error("expected self-signed server certificate to be rejected")
	}
	if _, err := client.Post(context.Background(), &Request{URL: server.URL, InsecureSkipVerify: true}); err != nil {
		t.Errorf("expected per-request skip to succeed: %v", err)
	}
}

func TestClientPost_CircuitBreaker(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.CircuitBreaker = BreakerConfig{Enabled: true, MaxFailures: 2, OpenTimeout: time.Hour}
	client := NewClient(config, nil)

	for i := 0; i < 4; i++ {
		if _, err := client.Post(context.Background(), &Request{URL: server.URL}); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected breaker to stop after 2 calls, server saw %d", n)
	}
}

func TestClientPost_BreakerIgnoresClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	config := DefaultConfig()
	config.CircuitBreaker = BreakerConfig{Enabled: true, MaxFailures: 1, OpenTimeout: time.Hour}
	client := NewClient(config, nil)

	for i := 0; i < 3; i++ {
		_, err := client.Post(context.Background(), &Request{URL: server.URL})
		if !errors.Is(err, ErrHTTPStatus) {
			t.Fatalf("expected status error, got %v", err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected every request to reach the server, got %d", n)
	}
}

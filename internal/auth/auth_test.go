package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirosfoundation/go-as2/internal/config"
)

const issuer = "https://idp.example.com"

type idp struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	p := &idp{key: key}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		pub := key.PublicKey
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kid: "k1",
			Kty: "RSA",
			Alg: "RS256",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}})
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *idp) token(t *testing.T, alg, kid string, claims map[string]any) string {
	t.Helper()
	seg := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	signingInput := seg(map[string]string{"alg": alg, "kid": kid, "typ": "JWT"}) + "." + seg(claims)

	hash := crypto.SHA256
	if h, ok := algorithms[alg]; ok {
		hash = h
	}
	h := hash.New()
	h.Write([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.key, hash, h.Sum(nil))
	if err != nil {
		t.Fatal(err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func (p *idp) authenticator() *Authenticator {
	return NewAuthenticator(&config.OAuth2Config{
		Issuer:   issuer,
		Audience: "as2d",
		JWKSURL:  p.server.URL,
		Scope:    "as2:admin",
		CacheTTL: time.Hour,
	}, nil)
}

func validClaims() map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":   issuer,
		"sub":   "ops@example.com",
		"aud":   "as2d",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "openid as2:admin",
	}
}

func TestValidateToken(t *testing.T) {
	p := newIDP(t)

	with := func(k string, v any) map[string]any {
		c := validClaims()
		if v == nil {
			delete(c, k)
		} else {
			c[k] = v
		}
		return c
	}

	tests := []struct {
		name    string
		alg     string
		kid     string
		claims  map[string]any
		wantErr error
	}{
		{"valid", "RS256", "k1", validClaims(), nil},
		{"rs512", "RS512", "k1", validClaims(), nil},
		{"audience list", "RS256", "k1", with("aud", []string{"other", "as2d"}), nil},
		{"expired", "RS256", "k1", with("exp", time.Now().Add(-time.Minute).Unix()), ErrTokenExpired},
		{"not yet valid", "RS256", "k1", with("nbf", time.Now().Add(time.Hour).Unix()), ErrTokenNotYetValid},
		{"wrong issuer", "RS256", "k1", with("iss", "https://evil.example.com"), ErrInvalidIssuer},
		{"wrong audience", "RS256", "k1", with("aud", "other"), ErrInvalidAudience},
		{"missing scope", "RS256", "k1", with("scope", "openid"), ErrInsufficientScope},
		{"unknown key", "RS256", "k2", validClaims(), ErrInvalidToken},
		{"unsupported alg", "HS256", "k1", validClaims(), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := p.authenticator()
			claims, err := a.ValidateToken(context.Background(), p.token(t, tt.alg, tt.kid, tt.claims))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.Subject != "ops@example.com" {
				t.Errorf("expected subject ops@example.com, got %q", claims.Subject)
			}
		})
	}
}

func TestValidateTokenTampered(t *testing.T) {
	p := newIDP(t)
	a := p.authenticator()

	token := p.token(t, "RS256", "k1", validClaims())
	forged := p.token(t, "RS256", "k1", func() map[string]any {
		c := validClaims()
		c["sub"] = "intruder"
		return c
	}())
	// claims of one token, signature of the other
	a1, a2 := strings.Split(token, "."), strings.Split(forged, ".")
	_, err := a.ValidateToken(context.Background(), a1[0]+"."+a2[1]+"."+a1[2])
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	if _, err := a.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestKeysAreCached(t *testing.T) {
	p := newIDP(t)
	a := p.authenticator()

	for i := 0; i < 3; i++ {
		if _, err := a.ValidateToken(context.Background(), p.token(t, "RS256", "k1", validClaims())); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := p.fetches.Load(); n != 1 {
		t.Errorf("expected 1 JWKS fetch, got %d", n)
	}

	// expired cache
	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	claims := validClaims()
	claims["exp"] = time.Now().Add(3 * time.Hour).Unix()
	if _, err := a.ValidateToken(context.Background(), p.token(t, "RS256", "k1", claims)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := p.fetches.Load(); n != 2 {
		t.Errorf("expected 2 JWKS fetches, got %d", n)
	}
}

func TestValidateRequest(t *testing.T) {
	p := newIDP(t)
	a := p.authenticator()

	req := httptest.NewRequest(http.MethodGet, "/api/partners", nil)
	if _, err := a.ValidateRequest(req); err != ErrNoToken {
		t.Errorf("expected ErrNoToken, got %v", err)
	}

	req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	if _, err := a.ValidateRequest(req); err != ErrNoToken {
		t.Errorf("expected ErrNoToken, got %v", err)
	}

	req.Header.Set("Authorization", "bearer "+p.token(t, "RS256", "k1", validClaims()))
	claims, err := a.ValidateRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := ContextWithClaims(context.Background(), claims)
	if got := ClaimsFromContext(ctx); got == nil || got.Subject != claims.Subject {
		t.Errorf("claims not carried by context")
	}
	if ClaimsFromContext(context.Background()) != nil {
		t.Errorf("expected no claims in empty context")
	}
}

func TestIsEnabled(t *testing.T) {
	if NewAuthenticator(nil, nil).IsEnabled() {
		t.Error("expected nil config to disable authentication")
	}
	if NewAuthenticator(&config.OAuth2Config{}, nil).IsEnabled() {
		t.Error("expected empty issuer to disable authentication")
	}
	if !NewAuthenticator(&config.OAuth2Config{Issuer: issuer}, nil).IsEnabled() {
		t.Error("expected issuer to enable authentication")
	}
}

func TestClaimsHasScope(t *testing.T) {
	tests := []struct {
		scope    string
		want     string
		expected bool
	}{
		{"as2:admin", "as2:admin", true},
		{"openid  as2:admin profile", "as2:admin", true},
		{"as2:admins", "as2:admin", false},
		{"", "as2:admin", false},
	}
	for _, tt := range tests {
		c := &Claims{Scope: tt.scope}
		if got := c.HasScope(tt.want); got != tt.expected {
			t.Errorf("HasScope(%q) on %q = %v, want %v", tt.want, tt.scope, got, tt.expected)
		}
	}
}

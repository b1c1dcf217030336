package transport

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// digestChallenge is a parsed "WWW-Authenticate: Digest ..." header
type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
	nc        int
}

func parseDigestChallenge(h string) (*digestChallenge, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(h), " ")
	if !strings.EqualFold(scheme, "Digest") {
		return nil, fmt.Errorf("server did not offer digest authentication: %q", h)
	}

	params := parseAuthParams(rest)
	c := &digestChallenge{
		realm:     params["realm"],
		nonce:     params["nonce"],
		opaque:    params["opaque"],
		algorithm: params["algorithm"],
	}
	if c.nonce == "" {
		return nil, errors.New("digest challenge without nonce")
	}
	for _, q := range strings.Split(params["qop"], ",") {
		if strings.TrimSpace(q) == "auth" {
			c.qop = "auth"
		}
	}
	switch strings.ToUpper(c.algorithm) {
	case "", "MD5", "SHA-256":
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", c.algorithm)
	}
	return c, nil
}

// parseAuthParams splits a comma separated list of key=value pairs whose
// values may be quoted and contain commas
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for s = strings.TrimSpace(s); s != ""; {
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		rest = strings.TrimLeft(rest, " ")

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				value, rest = rest[1:], ""
			} else {
				value, rest = rest[1:end+1], rest[end+2:]
			}
		} else {
			value, rest, _ = strings.Cut(rest, ",")
			value = strings.TrimSpace(value)
		}
		params[key] = value

		rest = strings.TrimSpace(rest)
		s = strings.TrimSpace(strings.TrimPrefix(rest, ","))
	}
	return params
}

func (c *digestChallenge) newHash() hash.Hash {
	if strings.EqualFold(c.algorithm, "SHA-256") {
		return sha256.New()
	}
	return md5.New()
}

func (c *digestChallenge) h(parts ...string) string {
	h := c.newHash()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// authorize returns the Authorization header value for one request
func (c *digestChallenge) authorize(method, uri string, creds partner.Credentials) string {
	c.nc++
	ha1 := c.h(creds.Login, c.realm, creds.Password)
	ha2 := c.h(method, uri)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, creds.Login, c.realm, c.nonce, uri)

	if c.qop == "auth" {
		nc := fmt.Sprintf("%08x", c.nc)
		cnonce := newCnonce()
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s", response="%s"`, nc, cnonce, c.h(ha1, c.nonce, nc, cnonce, "auth", ha2))
	} else {
		fmt.Fprintf(&b, `, response="%s"`, c.h(ha1, c.nonce, ha2))
	}
	if c.algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", c.algorithm)
	}
	if c.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.opaque)
	}
	return b.String()
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

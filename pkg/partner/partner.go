// Package partner holds trading partner records: identity, security policy,
// transport settings and MDN policy, plus the Directory that resolves and
// caches them by AS2 identifier.
package partner

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnknownPartner is returned when no record exists for an AS2 id
	ErrUnknownPartner = errors.New("unknown partner")
	// ErrInvalidPartner is returned when a record fails validation
	ErrInvalidPartner = errors.New("invalid partner")
)

// SignatureAlgorithm is the digest used when signing for this partner
type SignatureAlgorithm string

const (
	SignNone   SignatureAlgorithm = "none"
	SignSHA1   SignatureAlgorithm = "sha1"
	SignMD5    SignatureAlgorithm = "md5"
	SignSHA256 SignatureAlgorithm = "sha256"
	SignSHA384 SignatureAlgorithm = "sha384"
	SignSHA512 SignatureAlgorithm = "sha512"
)

// EncryptionAlgorithm is the content cipher used when encrypting for this partner
type EncryptionAlgorithm string

const (
	CryptNone   EncryptionAlgorithm = "none"
	CryptRC240  EncryptionAlgorithm = "rc2-40"
	CryptRC264  EncryptionAlgorithm = "rc2-64"
	CryptRC2128 EncryptionAlgorithm = "rc2-128"
	CryptDES    EncryptionAlgorithm = "des"
	Crypt3DES   EncryptionAlgorithm = "des3"
	CryptAES128 EncryptionAlgorithm = "aes128"
	CryptAES192 EncryptionAlgorithm = "aes192"
	CryptAES256 EncryptionAlgorithm = "aes256"
)

// Encoding is the Content-Transfer-Encoding applied to outbound parts
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingBinary Encoding = "binary"
)

// MDNMode selects how receipts are requested from this partner
type MDNMode string

const (
	MDNSync  MDNMode = "SYNC"
	MDNAsync MDNMode = "ASYNC"
)

// CredentialMethod is the HTTP authentication scheme used towards a partner
type CredentialMethod string

const (
	AuthNone   CredentialMethod = "none"
	AuthBasic  CredentialMethod = "basic"
	AuthDigest CredentialMethod = "digest"
	AuthNTLM   CredentialMethod = "ntlm"
	AuthGSS    CredentialMethod = "gss"
)

// Defaults applied to empty record fields
const (
	DefaultSendSubject     = "AS2 Message Subject"
	DefaultMDNSubject      = "AS2 MDN Subject"
	DefaultSendContentType = "application/EDI-Consent"
)

// Credentials for HTTP authentication
type Credentials struct {
	Method   CredentialMethod
	Login    string
	Password string
}

// Enabled reports whether any authentication is configured
func (c Credentials) Enabled() bool {
	return c.Method != "" && c.Method != AuthNone
}

// Partner is a validated trading partner. A Partner returned by New or by a
// Directory is shared and must not be modified.
type Partner struct {
	ID      string
	Name    string
	Email   string
	Comment string
	IsLocal bool

	SignatureAlgorithm  SignatureAlgorithm
	EncryptionAlgorithm EncryptionAlgorithm

	SendCompress    bool
	SendURL         string
	SendSubject     string
	SendContentType string
	SendEncoding    Encoding
	SendCredentials Credentials

	MDNURL         string
	MDNSubject     string
	MDNRequest     MDNMode
	MDNSigned      bool
	MDNCredentials Credentials

	// TLSInsecureSkipVerify disables server certificate checks when posting to this partner
	TLSInsecureSkipVerify bool
	// AsyncMDNDelay overrides the server wide grace period before an async MDN is posted
	AsyncMDNDelay time.Duration

	keys keyMaterial
}

// New validates a record, applies defaults and loads any key material it
// references.
func New(r Record) (*Partner, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidPartner)
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidPartner, id, fmt.Sprintf(format, args...))
	}

	p := &Partner{
		ID:                    id,
		Name:                  r.Name,
		Email:                 r.Email,
		Comment:               r.Comment,
		IsLocal:               r.IsLocal,
		SignatureAlgorithm:    SignatureAlgorithm(strings.ToLower(orDefault(r.SignatureAlgorithm, string(SignSHA1)))),
		EncryptionAlgorithm:   EncryptionAlgorithm(strings.ToLower(orDefault(r.EncryptionAlgorithm, string(Crypt3DES)))),
		SendCompress:          r.SendCompress,
		SendURL:               r.SendURL,
		SendSubject:           orDefault(r.SendSubject, DefaultSendSubject),
		SendContentType:       orDefault(r.SendContentType, DefaultSendContentType),
		SendEncoding:          Encoding(strings.ToLower(orDefault(r.SendEncoding, string(EncodingBase64)))),
		MDNURL:                r.MDNURL,
		MDNSubject:            orDefault(r.MDNSubject, DefaultMDNSubject),
		MDNRequest:            MDNMode(strings.ToUpper(orDefault(r.MDNRequest, string(MDNSync)))),
		MDNSigned:             r.MDNSigned == nil || *r.MDNSigned,
		TLSInsecureSkipVerify: r.TLSInsecureSkipVerify,
		SendCredentials: Credentials{
			Method:   CredentialMethod(strings.ToLower(orDefault(r.SendCredentialMethod, string(AuthNone)))),
			Login:    r.SendCredentialLogin,
			Password: r.SendCredentialPassword,
		},
		MDNCredentials: Credentials{
			Method:   CredentialMethod(strings.ToLower(orDefault(r.MDNCredentialMethod, string(AuthNone)))),
			Login:    r.MDNCredentialLogin,
			Password: r.MDNCredentialPassword,
		},
	}

	switch p.SignatureAlgorithm {
	case SignNone, SignMD5, SignSHA1, SignSHA256, SignSHA384, SignSHA512:
	default:
		return nil, invalid("unknown signature algorithm %q", p.SignatureAlgorithm)
	}

	switch p.EncryptionAlgorithm {
	case CryptNone, CryptDES, Crypt3DES, CryptAES128, CryptAES192, CryptAES256,
		CryptRC240, CryptRC264, CryptRC2128:
	default:
		return nil, invalid("unknown encryption algorithm %q", p.EncryptionAlgorithm)
	}

	switch p.SendEncoding {
	case EncodingBase64, EncodingBinary:
	default:
		return nil, invalid("unknown send encoding %q", p.SendEncoding)
	}

	switch p.MDNRequest {
	case MDNSync, MDNAsync:
	default:
		return nil, invalid("unknown mdn request mode %q", r.MDNRequest)
	}

	for _, c := range []Credentials{p.SendCredentials, p.MDNCredentials} {
		switch c.Method {
		case AuthNone, AuthBasic, AuthDigest, AuthNTLM, AuthGSS:
		default:
			return nil, invalid("unknown credential method %q", c.Method)
		}
	}

	for name, raw := range map[string]string{"send_url": p.SendURL, "mdn_url": p.MDNURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, invalid("%s must be an absolute http(s) url, got %q", name, raw)
		}
	}

	if r.AsyncMDNDelay != "" {
		d, err := time.ParseDuration(r.AsyncMDNDelay)
		if err != nil || d < 0 {
			return nil, invalid("invalid async_mdn_delay %q", r.AsyncMDNDelay)
		}
		p.AsyncMDNDelay = d
	}

	keys, err := loadKeyMaterial(r.PKCS12, r.PKCS12Password, r.Certificate)
	if err != nil {
		return nil, invalid("%v", err)
	}
	p.keys = keys

	return p, nil
}

// Certificate returns the partner certificate: the bare certificate when one
// is configured, otherwise the leaf of the PKCS#12 bundle.
func (p *Partner) Certificate() *x509.Certificate {
	if p.keys.certificate != nil {
		return p.keys.certificate
	}
	return p.keys.bundleCert
}

// PrivateKey returns the private key of the PKCS#12 bundle, if any
func (p *Partner) PrivateKey() crypto.PrivateKey {
	return p.keys.privateKey
}

// SigningCertificate returns the certificate matching PrivateKey
func (p *Partner) SigningCertificate() *x509.Certificate {
	return p.keys.bundleCert
}

// CACertificates returns the chain carried in the PKCS#12 bundle
func (p *Partner) CACertificates() []*x509.Certificate {
	return p.keys.caCerts
}

// HasPrivateKey reports whether signing and decryption are possible
func (p *Partner) HasPrivateKey() bool {
	return p.keys.privateKey != nil && p.keys.bundleCert != nil
}

func (p *Partner) String() string {
	return p.ID
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/smallstep/pkcs7"

	"github.com/sirosfoundation/go-as2/pkg/compression"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

var (
	// ErrNoKeyMaterial is returned when a partner lacks the key or certificate an operation needs
	ErrNoKeyMaterial = errors.New("partner key material not configured")
	// ErrSignatureInvalid is returned when a signature does not verify
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrUnsupportedAlgorithm is returned for algorithms this package cannot apply
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrNotApplicable is returned when an entity is not of the type an operation expects
	ErrNotApplicable = errors.New("entity type not applicable")
)

const (
	signatureFilename  = "smime.p7s"
	envelopeFilename   = "smime.p7m"
	compressedFilename = "smime.p7z"

	envelopeContentType   = mime.ContentTypePKCS7MIME + `; smime-type=enveloped-data; name="` + envelopeFilename + `"`
	compressedContentType = mime.ContentTypePKCS7MIME + `; smime-type=compressed-data; name="` + compressedFilename + `"`
	signatureContentType  = mime.ContentTypePKCS7Signature + `; name="` + signatureFilename + `"`
)

// AdapterOption configures an Adapter
type AdapterOption func(*Adapter)

// WithCertificateValidator checks partner certificates before they are used
// for verification or encryption
func WithCertificateValidator(v CertificateValidator) AdapterOption {
	return func(a *Adapter) { a.validator = v }
}

// WithCompressor replaces the default compressor
func WithCompressor(c *compression.Compressor) AdapterOption {
	return func(a *Adapter) { a.compressor = c }
}

// Adapter applies the S/MIME operations of one transmission between two
// partners. Every file it produces is owned by its Scope.
//
// Outbound, from is the local sender and to the remote receiver; inbound,
// from is the remote sender and to the local receiver. Signing and
// decryption use local key material, verification and encryption use the
// remote certificate.
type Adapter struct {
	from       *partner.Partner
	to         *partner.Partner
	scope      *Scope
	compressor *compression.Compressor
	validator  CertificateValidator
}

// NewAdapter creates an adapter for a transmission from one partner to another
func NewAdapter(from, to *partner.Partner, scope *Scope, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		from:       from,
		to:         to,
		scope:      scope,
		compressor: compression.NewCompressor(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TempFile allocates an empty temp file owned by the adapter's scope
func (a *Adapter) TempFile() (string, error) {
	return a.scope.Create()
}

// Sign wraps the entity at path in multipart/signed with a detached
// signature by the sending partner, digesting with the receiving partner's
// signature algorithm. With compress set the entity is first turned into
// compressed-data, transfer encoded with encoding.
func (a *Adapter) Sign(path string, compress bool, encoding partner.Encoding) (string, error) {
	return a.SignWith(path, MicAlgorithmFor(a.to.SignatureAlgorithm), compress, encoding)
}

// SignWith is Sign with an explicit digest algorithm
func (a *Adapter) SignWith(path string, alg MicAlgorithm, compress bool, encoding partner.Encoding) (string, error) {
	if !a.from.HasPrivateKey() {
		return "", fmt.Errorf("%w: no private key for %s", ErrNoKeyMaterial, a.from.ID)
	}
	if alg == MicMD5 {
		return "", fmt.Errorf("%w: md5 signatures", ErrUnsupportedAlgorithm)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if compress {
		if content, err = a.compressEntity(content, encoding); err != nil {
			return "", err
		}
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return "", fmt.Errorf("failed to initialise signed-data: %w", err)
	}
	sd.SetDigestAlgorithm(alg.digestOID())
	if err := sd.AddSigner(a.from.SigningCertificate(), a.from.PrivateKey(), pkcs7.SignerInfoConfig{}); err != nil {
		return "", fmt.Errorf("failed to add signer: %w", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	sigPart, err := mime.Leaf(signatureContentType, signatureFilename, mime.EncodingBase64, der)
	if err != nil {
		return "", err
	}

	boundary := mime.Boundary()
	var out bytes.Buffer
	fmt.Fprintf(&out, "Content-Type: %s; protocol=\"%s\"; micalg=%s; boundary=\"%s\"\r\n\r\n",
		mime.ContentTypeMultipartSigned, mime.ContentTypePKCS7Signature, alg, boundary)
	fmt.Fprintf(&out, "--%s\r\n", boundary)
	out.Write(content)
	fmt.Fprintf(&out, "\r\n--%s\r\n", boundary)
	out.Write(sigPart)
	fmt.Fprintf(&out, "\r\n--%s--\r\n", boundary)

	return a.scope.WriteFile(out.Bytes())
}

// MicChecksum returns the MIC of the signed content of a multipart/signed
// entity, using the algorithm named by its micalg parameter
func (a *Adapter) MicChecksum(path string) (string, error) {
	signed, _, alg, err := a.splitSigned(path)
	if err != nil {
		return "", err
	}
	return Mic(signed, alg), nil
}

func (a *Adapter) splitSigned(path string) (signed, signature []byte, alg MicAlgorithm, err error) {
	entity, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, "", err
	}
	e, err := mime.Split(entity)
	if err != nil {
		return nil, nil, "", err
	}
	if e.MediaType != mime.ContentTypeMultipartSigned {
		return nil, nil, "", fmt.Errorf("%w: %s is not %s", ErrNotApplicable, e.MediaType, mime.ContentTypeMultipartSigned)
	}
	if len(e.Parts) != 2 {
		return nil, nil, "", fmt.Errorf("multipart/signed has %d parts, expected 2", len(e.Parts))
	}

	alg = MicSHA1
	if name := e.Params["micalg"]; name != "" {
		if alg, err = ParseMicAlgorithm(name); err != nil {
			return nil, nil, "", err
		}
	}
	return e.Parts[0], e.Parts[1], alg, nil
}

// Verify checks the detached signature of a multipart/signed entity against
// the sending partner's certificate and returns the path of the signed
// content.
func (a *Adapter) Verify(ctx context.Context, path string) (string, error) {
	cert := a.from.Certificate()
	if cert == nil {
		return "", fmt.Errorf("%w: no certificate for %s", ErrNoKeyMaterial, a.from.ID)
	}
	if err := a.validate(ctx, cert, a.from, "signing"); err != nil {
		return "", err
	}

	signed, sigPart, _, err := a.splitSigned(path)
	if err != nil {
		return "", err
	}
	sig, err := mime.ParsePart(sigPart)
	if err != nil {
		return "", fmt.Errorf("failed to read signature part: %w", err)
	}

	p7, err := pkcs7.Parse(sig.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	p7.Content = signed
	if !containsCert(p7.Certificates, cert) {
		p7.Certificates = append(p7.Certificates, cert)
	}
	if err := p7.Verify(); err != nil {
		if !md5Signed(p7) {
			return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		if err := verifyMD5(p7, cert); err != nil {
			return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	signer := p7.GetOnlySigner()
	if signer == nil || !samePublicKey(signer, cert) {
		return "", fmt.Errorf("%w: not signed by %s", ErrSignatureInvalid, a.from.ID)
	}

	return a.scope.WriteFile(signed)
}

// Encrypt envelopes the entity at path for the receiving partner
func (a *Adapter) Encrypt(ctx context.Context, path string, alg partner.EncryptionAlgorithm) (string, error) {
	cert := a.to.Certificate()
	if cert == nil {
		return "", fmt.Errorf("%w: no certificate for %s", ErrNoKeyMaterial, a.to.ID)
	}
	if err := a.validate(ctx, cert, a.to, "encryption"); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	der, err := seal(content, cert, alg)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "Content-Type: %s\r\n", envelopeContentType)
	fmt.Fprintf(&out, "Content-Disposition: attachment; filename=\"%s\"\r\n", envelopeFilename)
	out.WriteString("Content-Transfer-Encoding: binary\r\n\r\n")
	out.Write(der)

	return a.scope.WriteFile(out.Bytes())
}

// Decrypt opens an application/pkcs7-mime enveloped-data entity with the
// receiving partner's private key and returns the path of the plaintext
// entity
func (a *Adapter) Decrypt(path string) (string, error) {
	if !a.to.HasPrivateKey() {
		return "", fmt.Errorf("%w: no private key for %s", ErrNoKeyMaterial, a.to.ID)
	}

	der, err := a.readPKCS7(path)
	if err != nil {
		return "", err
	}

	cert, key := a.to.SigningCertificate(), a.to.PrivateKey()
	plain, err := open(der, cert, key)
	if errors.Is(err, errEnvelopeFormat) {
		plain, err = decryptWithLibrary(der, cert, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return a.scope.WriteFile(plain)
}

func decryptWithLibrary(der []byte, cert *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, err
	}
	return p7.Decrypt(cert, key)
}

// Compress turns the entity at path into a compressed-data entity
func (a *Adapter) Compress(path string, encoding partner.Encoding) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	entity, err := a.compressEntity(content, encoding)
	if err != nil {
		return "", err
	}
	return a.scope.WriteFile(entity)
}

func (a *Adapter) compressEntity(content []byte, encoding partner.Encoding) ([]byte, error) {
	der, err := a.compressor.Compress(content)
	if err != nil {
		return nil, err
	}
	return mime.Leaf(compressedContentType, compressedFilename, string(encoding), der)
}

// Decompress unwraps a compressed-data entity and returns the path of the
// original entity
func (a *Adapter) Decompress(path string) (string, error) {
	der, err := a.readPKCS7(path)
	if err != nil {
		return "", err
	}
	plain, err := a.compressor.Decompress(der)
	if err != nil {
		return "", err
	}
	return a.scope.WriteFile(plain)
}

// IsCompressed reports whether the entity at path is compressed-data
func (a *Adapter) IsCompressed(path string) bool {
	entity, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	part, err := mime.ParsePart(entity)
	if err != nil || part.MediaType != mime.ContentTypePKCS7MIME {
		return false
	}
	if st := smimeType(part); st != "" {
		return st == "compressed-data"
	}
	return compression.IsCompressedData(part.Data)
}

func smimeType(p *mime.Part) string {
	_, params, err := mime.MediaTypeOf(p.Header.Raw("Content-Type"))
	if err != nil {
		return ""
	}
	return strings.ToLower(params["smime-type"])
}

func (a *Adapter) readPKCS7(path string) ([]byte, error) {
	entity, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	part, err := mime.ParsePart(entity)
	if err != nil {
		return nil, err
	}
	if part.MediaType != mime.ContentTypePKCS7MIME && part.MediaType != "application/x-pkcs7-mime" {
		return nil, fmt.Errorf("%w: %s is not %s", ErrNotApplicable, part.MediaType, mime.ContentTypePKCS7MIME)
	}
	return part.Data, nil
}

// Compose bundles files into one payload entity and returns its path
func (a *Adapter) Compose(files []mime.File) (string, error) {
	entity, err := mime.Compose(files)
	if err != nil {
		return "", err
	}
	return a.scope.WriteFile(entity)
}

// Extract writes every payload part of the entity at path to its own temp
// file
func (a *Adapter) Extract(path string) ([]mime.File, error) {
	entity, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parts, err := mime.Extract(entity)
	if err != nil {
		return nil, err
	}

	files := make([]mime.File, 0, len(parts))
	for _, p := range parts {
		out, err := a.scope.WriteFile(p.Data)
		if err != nil {
			return nil, err
		}
		files = append(files, mime.File{
			Path:     out,
			MimeType: p.MediaType,
			Filename: p.Filename,
			Encoding: p.Header.Get("Content-Transfer-Encoding"),
		})
	}
	return files, nil
}

func (a *Adapter) validate(ctx context.Context, cert *x509.Certificate, p *partner.Partner, purpose string) error {
	if a.validator == nil {
		return nil
	}
	if err := a.validator.ValidateCertificate(ctx, cert, p.CACertificates(), purpose); err != nil {
		return fmt.Errorf("certificate of %s rejected: %w", p.ID, err)
	}
	return nil
}

func containsCert(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

func samePublicKey(a, b *x509.Certificate) bool {
	pub, ok := a.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(b.PublicKey)
}

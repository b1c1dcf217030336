package security

import (
	"crypto"
	"crypto/md5" //nolint:gosec // legacy partners still sign with md5
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

var (
	oidDigestMD5         = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	oidAttrMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
)

type signedAttribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

// md5Signed reports whether every signer digests with md5, which the CMS
// library refuses to verify
func md5Signed(p7 *pkcs7.PKCS7) bool {
	if len(p7.Signers) == 0 {
		return false
	}
	for _, s := range p7.Signers {
		if !s.DigestAlgorithm.Algorithm.Equal(oidDigestMD5) {
			return false
		}
	}
	return true
}

// verifyMD5 checks md5 with RSA signatures of p7 against cert. Signed
// attributes are re-encoded as a DER SET the way the CMS library does.
func verifyMD5(p7 *pkcs7.PKCS7, cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: md5 with %T", ErrUnsupportedAlgorithm, cert.PublicKey)
	}

	for _, s := range p7.Signers {
		signed := p7.Content
		if len(s.AuthenticatedAttributes) > 0 {
			attrs := make([]signedAttribute, 0, len(s.AuthenticatedAttributes))
			var digest []byte
			for _, a := range s.AuthenticatedAttributes {
				attrs = append(attrs, signedAttribute{Type: a.Type, Value: a.Value})
				if a.Type.Equal(oidAttrMessageDigest) {
					if _, err := asn1.Unmarshal(a.Value.Bytes, &digest); err != nil {
						return fmt.Errorf("invalid message digest attribute: %w", err)
					}
				}
			}
			sum := md5.Sum(p7.Content)
			if subtle.ConstantTimeCompare(digest, sum[:]) != 1 {
				return errors.New("message digest mismatch")
			}
			var err error
			if signed, err = marshalSignedAttributes(attrs); err != nil {
				return err
			}
		}

		sum := md5.Sum(signed)
		if err := rsa.VerifyPKCS1v15(pub, crypto.MD5, sum[:], s.EncryptedDigest); err != nil {
			return err
		}
	}
	return nil
}

func marshalSignedAttributes(attrs []signedAttribute) ([]byte, error) {
	der, err := asn1.Marshal(struct {
		A []signedAttribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed attributes: %w", err)
	}
	var outer asn1.RawValue
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return nil, err
	}
	return outer.Bytes, nil
}

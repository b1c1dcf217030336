package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/md5" //nolint:gosec // legacy partners still sign with md5
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

func TestRC2Vectors(t *testing.T) {
	// RFC 2268 section 5
	tests := []struct {
		key, plain, cipher string
		bits               int
	}{
		{"0000000000000000", "0000000000000000", "ebb773f993278eff", 63},
		{"ffffffffffffffff", "ffffffffffffffff", "278b27e42e2f0d49", 64},
		{"3000000000000000", "1000000000000001", "30649edf9be7d2c2", 64},
		{"88", "0000000000000000", "61a8a244adacccf0", 64},
		{"88bca90e90875a", "0000000000000000", "6ccf4308974c267f", 64},
		{"88bca90e90875a7f0f79c384627bafb2", "0000000000000000", "1a807d272bbe5db1", 64},
		{"88bca90e90875a7f0f79c384627bafb2", "0000000000000000", "2269552ab0f85ca6", 128},
		{"88bca90e90875a7f0f79c384627bafb216f80a6f85920584c42fceb0be255daf1e", "0000000000000000", "5b78d3a43dfff1f1", 129},
	}
	for _, tt := range tests {
		key, _ := hex.DecodeString(tt.key)
		plain, _ := hex.DecodeString(tt.plain)
		want, _ := hex.DecodeString(tt.cipher)

		block, err := newRC2(key, tt.bits)
		require.NoError(t, err)

		got := make([]byte, rc2BlockSize)
		block.Encrypt(got, plain)
		assert.Equal(t, want, got, "encrypt %s/%d", tt.key, tt.bits)

		back := make([]byte, rc2BlockSize)
		block.Decrypt(back, got)
		assert.Equal(t, plain, back, "decrypt %s/%d", tt.key, tt.bits)
	}

	_, err := newRC2(nil, 40)
	assert.Error(t, err)
}

func TestOpenRejectsUnknownRC2Version(t *testing.T) {
	params, err := asn1.Marshal(rc2Params{Version: 7, IV: make([]byte, 8)})
	require.NoError(t, err)
	_, _, err = contentCipher(pkix.AlgorithmIdentifier{Algorithm: oidRC2CBC, Parameters: asn1.RawValue{FullBytes: params}})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

type md5SignerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   []signedAttribute `asn1:"optional,omitempty,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
}

type md5SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo      struct{ ContentType asn1.ObjectIdentifier }
	Certificates     asn1.RawValue   `asn1:"optional"`
	SignerInfos      []md5SignerInfo `asn1:"set"`
}

func setOf(t *testing.T, v any) asn1.RawValue {
	t.Helper()
	inner, err := asn1.Marshal(v)
	require.NoError(t, err)
	return asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: inner}
}

// signMD5 builds a detached md5 with RSA signed-data over content, the way
// older AS2 products still produce it
func signMD5(t *testing.T, p *partner.Partner, content []byte, withAttributes bool) []byte {
	t.Helper()
	cert := p.SigningCertificate()
	key := p.PrivateKey().(*rsa.PrivateKey)
	md5Alg := pkix.AlgorithmIdentifier{Algorithm: oidDigestMD5, Parameters: asn1.NullRawValue}

	si := md5SignerInfo{
		Version: 1,
		IssuerAndSerialNumber: issuerAndSerial{
			IssuerName:   asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		},
		DigestAlgorithm:           md5Alg,
		DigestEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidRSAEncryption, Parameters: asn1.NullRawValue},
	}

	signed := content
	if withAttributes {
		digest := md5.Sum(content)
		si.AuthenticatedAttributes = []signedAttribute{
			{Type: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}, Value: setOf(t, oidData)},
			{Type: oidAttrMessageDigest, Value: setOf(t, digest[:])},
		}
		var err error
		signed, err = marshalSignedAttributes(si.AuthenticatedAttributes)
		require.NoError(t, err)
	}
	sum := md5.Sum(signed)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.MD5, sum[:])
	require.NoError(t, err)
	si.EncryptedDigest = sig

	sd := md5SignedData{
		Version:          1,
		DigestAlgorithms: []pkix.AlgorithmIdentifier{md5Alg},
		Certificates:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: cert.Raw},
		SignerInfos:      []md5SignerInfo{si},
	}
	sd.ContentInfo.ContentType = oidData

	inner, err := asn1.Marshal(sd)
	require.NoError(t, err)
	der, err := asn1.Marshal(envelopeInfo{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	require.NoError(t, err)
	return der
}

func writeMultipartSigned(t *testing.T, dir string, content, der []byte) string {
	t.Helper()
	sigPart, err := mime.Leaf(signatureContentType, signatureFilename, mime.EncodingBase64, der)
	require.NoError(t, err)

	var out bytes.Buffer
	fmt.Fprintf(&out, "Content-Type: %s; protocol=\"%s\"; micalg=md5; boundary=\"b1\"\r\n\r\n",
		mime.ContentTypeMultipartSigned, mime.ContentTypePKCS7Signature)
	out.WriteString("--b1\r\n")
	out.Write(content)
	out.WriteString("\r\n--b1\r\n")
	out.Write(sigPart)
	out.WriteString("\r\n--b1--\r\n")

	path := filepath.Join(dir, "signed-md5.msg")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	return path
}

func TestVerifyMD5(t *testing.T) {
	content := []byte("Content-Type: application/edi-x12\r\n\r\n" + testPayload)

	for _, withAttributes := range []bool{true, false} {
		t.Run(fmt.Sprintf("attributes=%v", withAttributes), func(t *testing.T) {
			f := newFixture(t, partner.SignMD5)
			scope := f.store.Scope()
			defer scope.Close()

			signed := writeMultipartSigned(t, t.TempDir(), content, signMD5(t, f.local, content, withAttributes))

			a := NewAdapter(f.local, f.remote, scope)
			out, err := a.Verify(context.Background(), signed)
			require.NoError(t, err)
			assert.Equal(t, content, readFile(t, out))

			mic, err := a.MicChecksum(signed)
			require.NoError(t, err)
			assert.Equal(t, Mic(content, MicMD5), mic)

			// signed by local, so remote cannot claim it
			_, err = NewAdapter(f.remote, f.local, scope).Verify(context.Background(), signed)
			assert.ErrorIs(t, err, ErrSignatureInvalid)
		})
	}
}

func TestVerifyMD5DetectsTampering(t *testing.T) {
	f := newFixture(t, partner.SignMD5)
	scope := f.store.Scope()
	defer scope.Close()

	content := []byte("Content-Type: application/edi-x12\r\n\r\n" + testPayload)
	der := signMD5(t, f.local, content, true)
	tampered := bytes.Replace(content, []byte("SENDER"), []byte("SENDEX"), 1)
	signed := writeMultipartSigned(t, t.TempDir(), tampered, der)

	_, err := NewAdapter(f.local, f.remote, scope).Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestSignMD5IsRefused(t *testing.T) {
	f := newFixture(t, partner.SignMD5)
	scope := f.store.Scope()
	defer scope.Close()

	_, err := NewAdapter(f.local, f.remote, scope).Sign(f.payload(t), false, partner.EncodingBase64)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

package security

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/sirosfoundation/go-as2/pkg/partner"
)

var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

	oidDESCBC     = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	oidDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	oidAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
	oidRC2CBC     = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 2}
)

// errEnvelopeFormat marks input this package cannot open itself; callers
// fall back to the CMS library
var errEnvelopeFormat = errors.New("unsupported enveloped-data form")

type blockCipher struct {
	oid     asn1.ObjectIdentifier
	keySize int
	newFunc func(key []byte) (cipher.Block, error)
	// rc2Bits is the effective key length of an RC2 cipher, 0 otherwise
	rc2Bits int
}

var contentCiphers = map[partner.EncryptionAlgorithm]blockCipher{
	partner.CryptDES:    {oidDESCBC, 8, des.NewCipher, 0},
	partner.Crypt3DES:   {oidDESEDE3CBC, 24, des.NewTripleDESCipher, 0},
	partner.CryptAES128: {oidAES128CBC, 16, aes.NewCipher, 0},
	partner.CryptAES192: {oidAES192CBC, 24, aes.NewCipher, 0},
	partner.CryptAES256: {oidAES256CBC, 32, aes.NewCipher, 0},
	partner.CryptRC240:  rc2BlockCipher(40),
	partner.CryptRC264:  rc2BlockCipher(64),
	partner.CryptRC2128: rc2BlockCipher(128),
}

func rc2BlockCipher(bits int) blockCipher {
	return blockCipher{
		oid:     oidRC2CBC,
		keySize: bits / 8,
		newFunc: func(key []byte) (cipher.Block, error) { return newRC2(key, bits) },
		rc2Bits: bits,
	}
}

// rc2Params is the RC2CBCParameter of RFC 2268
type rc2Params struct {
	Version int `asn1:"optional"`
	IV      []byte
}

func cipherByOID(oid asn1.ObjectIdentifier) (blockCipher, bool) {
	for _, c := range contentCiphers {
		if c.rc2Bits == 0 && c.oid.Equal(oid) {
			return c, true
		}
	}
	return blockCipher{}, false
}

// contentCipher resolves the content encryption algorithm of an envelope
// to a cipher and its IV
func contentCipher(alg pkix.AlgorithmIdentifier) (blockCipher, []byte, error) {
	if alg.Algorithm.Equal(oidRC2CBC) {
		var params rc2Params
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return blockCipher{}, nil, fmt.Errorf("invalid rc2 parameters: %w", err)
		}
		for bits, version := range rc2ParameterVersion {
			if params.Version == version {
				return rc2BlockCipher(bits), params.IV, nil
			}
		}
		return blockCipher{}, nil, fmt.Errorf("%w: rc2 parameter version %d", ErrUnsupportedAlgorithm, params.Version)
	}

	bc, ok := cipherByOID(alg.Algorithm)
	if !ok {
		return blockCipher{}, nil, errEnvelopeFormat
	}
	var iv []byte
	if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &iv); err != nil {
		return blockCipher{}, nil, fmt.Errorf("invalid content cipher parameters: %w", err)
	}
	return bc, iv, nil
}

type envelopeInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type envelopedData struct {
	Version              int
	RecipientInfos       []keyTransRecipient `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type keyTransRecipient struct {
	Version                int
	IssuerAndSerialNumber  issuerAndSerial
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type issuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"tag:0,optional"`
}

// seal encrypts content for recipient as DER EnvelopedData using RSA
// PKCS#1 v1.5 key transport and a CBC content cipher
func seal(content []byte, recipient *x509.Certificate, alg partner.EncryptionAlgorithm) ([]byte, error) {
	bc, ok := contentCiphers[alg]
	if !ok {
		return nil, fmt.Errorf("%w: content cipher %q", ErrUnsupportedAlgorithm, alg)
	}
	pub, ok := recipient.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: recipient key %T", ErrUnsupportedAlgorithm, recipient.PublicKey)
	}

	key := make([]byte, bc.keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	block, err := bc.newFunc(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	padded := pad(content, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content key: %w", err)
	}

	var ivParam []byte
	if bc.rc2Bits > 0 {
		ivParam, err = asn1.Marshal(rc2Params{Version: rc2ParameterVersion[bc.rc2Bits], IV: iv})
	} else {
		ivParam, err = asn1.Marshal(iv)
	}
	if err != nil {
		return nil, err
	}

	ed := envelopedData{
		Version: 0,
		RecipientInfos: []keyTransRecipient{{
			Version: 0,
			IssuerAndSerialNumber: issuerAndSerial{
				IssuerName:   asn1.RawValue{FullBytes: recipient.RawIssuer},
				SerialNumber: recipient.SerialNumber,
			},
			KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oidRSAEncryption, Parameters: asn1.NullRawValue},
			EncryptedKey:           encryptedKey,
		}},
		EncryptedContentInfo: encryptedContentInfo{
			ContentType: oidData,
			ContentEncryptionAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  bc.oid,
				Parameters: asn1.RawValue{FullBytes: ivParam},
			},
			EncryptedContent: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: ciphertext},
		},
	}

	inner, err := asn1.Marshal(ed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode enveloped-data: %w", err)
	}
	return asn1.Marshal(envelopeInfo{
		ContentType: oidEnvelopedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
}

// open decrypts DER EnvelopedData addressed to cert. It returns
// errEnvelopeFormat for encodings or algorithms it does not handle.
func open(der []byte, cert *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	var info envelopeInfo
	if rest, err := asn1.Unmarshal(der, &info); err != nil || len(rest) > 0 {
		return nil, errEnvelopeFormat
	}
	if !info.ContentType.Equal(oidEnvelopedData) {
		return nil, fmt.Errorf("not enveloped-data: %s", info.ContentType)
	}

	var ed envelopedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &ed); err != nil {
		return nil, errEnvelopeFormat
	}

	bc, iv, err := contentCipher(ed.EncryptedContentInfo.ContentEncryptionAlgorithm)
	if err != nil {
		return nil, err
	}

	var recipient *keyTransRecipient
	for i := range ed.RecipientInfos {
		ri := &ed.RecipientInfos[i]
		if ri.IssuerAndSerialNumber.SerialNumber != nil &&
			ri.IssuerAndSerialNumber.SerialNumber.Cmp(cert.SerialNumber) == 0 &&
			bytes.Equal(ri.IssuerAndSerialNumber.IssuerName.FullBytes, cert.RawIssuer) {
			recipient = ri
			break
		}
	}
	if recipient == nil {
		return nil, errors.New("no recipient matches the local certificate")
	}

	decrypter, ok := key.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("%w: private key %T cannot decrypt", ErrUnsupportedAlgorithm, key)
	}
	contentKey, err := decrypter.Decrypt(rand.Reader, recipient.EncryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content key: %w", err)
	}

	block, err := bc.newFunc(contentKey)
	if err != nil {
		return nil, fmt.Errorf("invalid content key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, errors.New("invalid content cipher iv")
	}

	ciphertext, err := octets(ed.EncryptedContentInfo.EncryptedContent)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, errors.New("encrypted content is not a whole number of blocks")
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return unpad(plain, block.BlockSize())
}

// octets returns the content of an implicitly tagged OCTET STRING, joining
// the segments of a constructed one
func octets(rv asn1.RawValue) ([]byte, error) {
	if !rv.IsCompound {
		return rv.Bytes, nil
	}
	var out []byte
	rest := rv.Bytes
	for len(rest) > 0 {
		var seg []byte
		var err error
		rest, err = asn1.Unmarshal(rest, &seg)
		if err != nil {
			return nil, fmt.Errorf("invalid encrypted content: %w", err)
		}
		out = append(out, seg...)
	}
	return out, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid content padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid content padding")
		}
	}
	return data[:len(data)-n], nil
}

package security

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/smallstep/pkcs7"

	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// MicAlgorithm is a MIC algorithm as named on the wire in micalg parameters,
// Received-Content-MIC fields and Disposition-Notification-Options
type MicAlgorithm string

const (
	MicSHA1   MicAlgorithm = "sha1"
	MicSHA256 MicAlgorithm = "sha-256"
	MicSHA384 MicAlgorithm = "sha-384"
	MicSHA512 MicAlgorithm = "sha-512"
	MicMD5    MicAlgorithm = "md5"
)

// ParseMicAlgorithm accepts the spellings found in the wild: sha1, sha-1,
// sha256, sha-256, and so on
func ParseMicAlgorithm(name string) (MicAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha1", "sha-1":
		return MicSHA1, nil
	case "sha256", "sha-256":
		return MicSHA256, nil
	case "sha384", "sha-384":
		return MicSHA384, nil
	case "sha512", "sha-512":
		return MicSHA512, nil
	case "md5":
		return MicMD5, nil
	}
	return "", fmt.Errorf("%w: mic algorithm %q", ErrUnsupportedAlgorithm, name)
}

// MicAlgorithmFor maps a partner signing algorithm to its MIC name; none maps
// to sha1
func MicAlgorithmFor(alg partner.SignatureAlgorithm) MicAlgorithm {
	switch alg {
	case partner.SignSHA256:
		return MicSHA256
	case partner.SignSHA384:
		return MicSHA384
	case partner.SignSHA512:
		return MicSHA512
	case partner.SignMD5:
		return MicMD5
	}
	return MicSHA1
}

// Hash returns the hash function behind the algorithm
func (m MicAlgorithm) Hash() crypto.Hash {
	switch m {
	case MicSHA256:
		return crypto.SHA256
	case MicSHA384:
		return crypto.SHA384
	case MicSHA512:
		return crypto.SHA512
	case MicMD5:
		return crypto.MD5
	}
	return crypto.SHA1
}

func (m MicAlgorithm) digestOID() asn1.ObjectIdentifier {
	switch m {
	case MicSHA256:
		return pkcs7.OIDDigestAlgorithmSHA256
	case MicSHA384:
		return pkcs7.OIDDigestAlgorithmSHA384
	case MicSHA512:
		return pkcs7.OIDDigestAlgorithmSHA512
	}
	return pkcs7.OIDDigestAlgorithmSHA1
}

// Mic formats the MIC of data as "<base64 digest>, <algorithm>"
func Mic(data []byte, alg MicAlgorithm) string {
	h := alg.Hash().New()
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)) + ", " + string(alg)
}

// CalculateMicChecksum returns the MIC of a whole file. It is used for
// unsigned content, where only sha1 and md5 are meaningful; any other name
// falls back to sha1.
func CalculateMicChecksum(path string, alg MicAlgorithm) (string, error) {
	if alg != MicMD5 {
		alg = MicSHA1
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := alg.Hash().New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)) + ", " + string(alg), nil
}

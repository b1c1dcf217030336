package as2

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/security"
)

// Request is one inbound transmission: the raw headers and body of an HTTP
// POST. Object decodes it into a Message or an MDN.
type Request struct {
	engine *Engine
	scope  *security.Scope

	headers   *header.Header
	mediaType string
	messageID string
	from      *partner.Partner
	to        *partner.Partner
	path      string

	signed  bool
	crypted bool
	mic     string

	decoded bool
	object  Object
	err     error
}

// NewRequest wraps an inbound transmission. Both AS2-From and AS2-To must
// name known partners; otherwise a configuration error is returned and
// nothing is decoded.
func (e *Engine) NewRequest(ctx context.Context, body []byte, h *header.Header) (*Request, error) {
	if h == nil {
		h = header.New()
	}
	from, err := e.partner(ctx, h.Get("AS2-From"), "sender")
	if err != nil {
		return nil, err
	}
	to, err := e.partner(ctx, h.Get("AS2-To"), "receiver")
	if err != nil {
		return nil, err
	}

	r := &Request{
		engine:    e,
		scope:     e.temp.Scope(),
		headers:   h,
		mediaType: h.MediaType(),
		messageID: trimMessageID(h.Raw("Message-ID")),
		from:      from,
		to:        to,
	}
	if r.path, err = r.scope.WriteFile(body); err != nil {
		r.scope.Close()
		return nil, StructureError(err, "Unable to store the AS2 request.")
	}
	return r, nil
}

// Headers returns the transmission headers
func (r *Request) Headers() *header.Header { return r.headers }

// MediaType returns the Content-Type without parameters
func (r *Request) MediaType() string { return r.mediaType }

// MessageID returns the Message-ID without angle brackets
func (r *Request) MessageID() string { return r.messageID }

// FromID returns the AS2-From identifier
func (r *Request) FromID() string { return r.from.ID }

// ToID returns the AS2-To identifier
func (r *Request) ToID() string { return r.to.ID }

// From returns the sending partner
func (r *Request) From() *partner.Partner { return r.from }

// To returns the receiving partner
func (r *Request) To() *partner.Partner { return r.to }

// IsSigned reports whether the transmission carried a valid signature;
// valid after Object
func (r *Request) IsSigned() bool { return r.signed }

// IsCrypted reports whether the transmission was encrypted; valid after
// Object
func (r *Request) IsCrypted() bool { return r.crypted }

// MicChecksum returns the MIC of the received content; valid after Object
func (r *Request) MicChecksum() string { return r.mic }

// Content returns the raw body
func (r *Request) Content() ([]byte, error) { return os.ReadFile(r.path) }

// Object decrypts, verifies and classifies the transmission, then checks
// it against the sending partner's policy. The result is computed once.
// Every error is an *Error carrying the level reported in a failed MDN.
func (r *Request) Object(ctx context.Context) (Object, error) {
	if !r.decoded {
		r.object, r.err = r.decode(ctx)
		r.decoded = true
	}
	return r.object, r.err
}

func (r *Request) decode(ctx context.Context) (Object, error) {
	body, err := os.ReadFile(r.path)
	if err != nil {
		return nil, StructureError(err, "Unable to read the AS2 request.")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &Malformed{header: r.headers, Reason: "empty body"}, nil
	}

	path, err := r.scope.WriteFile(append(r.headers.Bytes(), body...))
	if err != nil {
		return nil, StructureError(err, "Unable to store the AS2 request.")
	}
	adapter := r.engine.adapter(r.from, r.to, r.scope)

	mt, err := typeOf(path)
	if err != nil {
		return nil, err
	}

	if isPKCS7MIME(mt) {
		if !adapter.IsCompressed(path) {
			if path, err = adapter.Decrypt(path); err != nil {
				return nil, CryptoError(LevelDecryption, err, "Unable to decrypt the AS2 message.")
			}
			r.crypted = true
		}
		if path, err = decompress(adapter, path); err != nil {
			return nil, err
		}
		if mt, err = typeOf(path); err != nil {
			return nil, err
		}
	}

	if mt == mime.ContentTypeMultipartSigned {
		if r.mic, err = adapter.MicChecksum(path); err != nil {
			return nil, CryptoError(LevelIntegrity, err, "Unable to read the signed content of the AS2 message.")
		}
		if path, err = adapter.Verify(ctx, path); err != nil {
			return nil, CryptoError(LevelIntegrity, err, "AS2 message signature verification failed.")
		}
		r.signed = true
		if path, err = decompress(adapter, path); err != nil {
			return nil, err
		}
		if mt, err = typeOf(path); err != nil {
			return nil, err
		}
	} else if r.mic, err = r.contentMic(path); err != nil {
		return nil, StructureError(err, "Unable to compute the MIC of the AS2 message.")
	}

	isReport := mt == mime.ContentTypeMultipartReport
	if isReport {
		if r.from.MDNSigned && !r.signed {
			return nil, PolicyError("not signed", "AS2 MDN is not signed and should be.")
		}
	} else {
		if r.from.EncryptionAlgorithm != partner.CryptNone && !r.crypted {
			return nil, PolicyError("not crypted", "AS2 message is not crypted and should be.")
		}
		if r.from.SignatureAlgorithm != partner.SignNone && !r.signed {
			return nil, PolicyError("not signed", "AS2 message is not signed and should be.")
		}
	}

	if isReport {
		mdn := r.engine.newMDN(r.scope, r.to, r.from)
		mdn.path = path
		mdn.headers = r.headers
		mdn.signed = r.signed
		mdn.mic = r.mic
		return mdn, nil
	}
	return &Message{
		engine:  r.engine,
		scope:   r.scope,
		id:      r.messageID,
		from:    r.from,
		to:      r.to,
		path:    path,
		headers: r.headers,
		signed:  r.signed,
		crypted: r.crypted,
		mic:     r.mic,
	}, nil
}

// contentMic computes the MIC of unsigned content over its MIME entity:
// the Content-* fields and the body
func (r *Request) contentMic(path string) (string, error) {
	entity, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fields, body, err := header.FromMessage(entity)
	if err != nil {
		return "", err
	}
	content := header.New()
	for _, f := range fields.Fields() {
		if strings.HasPrefix(strings.ToLower(f.Name), "content-") {
			content.Set(f.Name, f.Value)
		}
	}
	micPath, err := r.scope.WriteFile(append(content.Bytes(), body...))
	if err != nil {
		return "", err
	}
	return security.CalculateMicChecksum(micPath, requestedMicAlgorithm(r.headers))
}

// Decrypt decrypts an application/pkcs7-mime enveloped transmission and
// returns the path of the plaintext. ok is false when the transmission is
// not encrypted.
func (r *Request) Decrypt() (path string, ok bool, err error) {
	entity, err := r.Content()
	if err != nil {
		return "", false, err
	}
	full, err := r.scope.WriteFile(append(r.headers.Bytes(), entity...))
	if err != nil {
		return "", false, err
	}
	mt, err := typeOf(full)
	if err != nil {
		return "", false, err
	}
	adapter := r.engine.adapter(r.from, r.to, r.scope)
	if !isPKCS7MIME(mt) || adapter.IsCompressed(full) {
		return "", false, nil
	}
	if path, err = adapter.Decrypt(full); err != nil {
		return "", false, CryptoError(LevelDecryption, err, "Unable to decrypt the AS2 message.")
	}
	return path, true, nil
}

// Encode is not supported on a received transmission
func (r *Request) Encode(context.Context) error { return ErrUnsupportedOperation }

// Decode is not supported on a received transmission; use Object
func (r *Request) Decode() error { return ErrUnsupportedOperation }

// Close deletes the transmission's temp files, including those of the
// Message or MDN decoded from it
func (r *Request) Close() error {
	return r.scope.Close()
}

func typeOf(path string) (string, error) {
	entity, err := os.ReadFile(path)
	if err != nil {
		return "", StructureError(err, "Unable to read the AS2 message.")
	}
	mt, err := mime.TopLevelType(entity)
	if err != nil {
		return "", StructureError(err, "Unable to parse the AS2 message headers.")
	}
	return mt, nil
}

func isPKCS7MIME(mt string) bool {
	return mt == mime.ContentTypePKCS7MIME || mt == "application/x-pkcs7-mime"
}

func decompress(adapter *security.Adapter, path string) (string, error) {
	if !adapter.IsCompressed(path) {
		return path, nil
	}
	out, err := adapter.Decompress(path)
	if err != nil {
		return "", CryptoError(LevelDecompression, err, "Unable to decompress the AS2 message.")
	}
	return out, nil
}

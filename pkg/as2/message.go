package as2

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/security"
)

// Message is an AS2 business message. An outbound message is built with
// AddFile and Encode; an inbound one comes from Request.Object and is
// unpacked with Decode.
type Message struct {
	engine *Engine
	scope  *security.Scope
	owner  bool

	id      string
	from    *partner.Partner
	to      *partner.Partner
	subject string
	files   []mime.File
	path    string
	headers *header.Header

	signed  bool
	crypted bool
	mic     string
}

func (*Message) object() {}

// MessageID returns the Message-ID, angle brackets included for outbound
// messages
func (m *Message) MessageID() string { return m.id }

// From returns the sending partner
func (m *Message) From() *partner.Partner { return m.from }

// To returns the receiving partner
func (m *Message) To() *partner.Partner { return m.to }

// Files returns the payload files
func (m *Message) Files() []mime.File { return append([]mime.File(nil), m.files...) }

// Headers returns the transmission headers
func (m *Message) Headers() *header.Header { return m.headers }

// Path returns the file holding the message body
func (m *Message) Path() string { return m.path }

// IsSigned reports whether the message was signed
func (m *Message) IsSigned() bool { return m.signed }

// IsCrypted reports whether the message was encrypted
func (m *Message) IsCrypted() bool { return m.crypted }

// MicChecksum returns the MIC in "<base64>, <alg>" form, or ""
func (m *Message) MicChecksum() string { return m.mic }

// SetSubject overrides the sending partner's default subject
func (m *Message) SetSubject(subject string) { m.subject = subject }

// AddFile attaches content as a payload. An empty mimetype is detected from
// the filename and content; an empty encoding means base64.
func (m *Message) AddFile(content []byte, mimetype, filename, encoding string) error {
	path, err := m.scope.WriteFile(content)
	if err != nil {
		return err
	}
	m.files = append(m.files, m.describe(path, content, mimetype, filename, encoding))
	return nil
}

// AddFilePath attaches an existing file as a payload. The file is read
// when the message is encoded and is not deleted with the message.
func (m *Message) AddFilePath(path, mimetype, filename, encoding string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	head := make([]byte, 512)
	n, _ := f.Read(head)
	f.Close()

	if filename == "" {
		filename = filepath.Base(path)
	}
	m.files = append(m.files, m.describe(path, head[:n], mimetype, filename, encoding))
	return nil
}

func (m *Message) describe(path string, sample []byte, mimetype, filename, encoding string) mime.File {
	if mimetype == "" {
		mimetype = mime.DetectMimeType(filename, sample)
	}
	if encoding == "" {
		encoding = mime.EncodingBase64
	}
	return mime.File{Path: path, MimeType: mimetype, Filename: filename, Encoding: encoding}
}

// Encode builds the wire form of the message: the payloads are composed,
// then signed and encrypted as the receiving partner requires, and the
// AS2 headers are set.
func (m *Message) Encode(ctx context.Context) error {
	if m.from == nil || m.to == nil {
		return ConfigurationError(partner.ErrUnknownPartner, "AS2 message partners are not set")
	}
	if len(m.files) == 0 {
		return StructureError(nil, "AS2 message has no payload")
	}

	adapter := m.engine.adapter(m.from, m.to, m.scope)
	path, err := adapter.Compose(m.files)
	if err != nil {
		return StructureError(err, "Unable to compose the AS2 message payload.")
	}

	if m.to.SignatureAlgorithm != partner.SignNone {
		if path, err = adapter.Sign(path, m.to.SendCompress, m.to.SendEncoding); err != nil {
			return CryptoError(LevelIntegrity, err, "Unable to sign the AS2 message.")
		}
		if m.mic, err = adapter.MicChecksum(path); err != nil {
			return CryptoError(LevelIntegrity, err, "Unable to compute the MIC of the AS2 message.")
		}
		m.signed = true
	} else {
		if m.to.SendCompress {
			if path, err = adapter.Compress(path, m.to.SendEncoding); err != nil {
				return CryptoError(LevelDecompression, err, "Unable to compress the AS2 message.")
			}
		}
		if m.mic, err = security.CalculateMicChecksum(path, security.MicSHA1); err != nil {
			return StructureError(err, "Unable to compute the MIC of the AS2 message.")
		}
	}

	if m.to.EncryptionAlgorithm != partner.CryptNone {
		if path, err = adapter.Encrypt(ctx, path, m.to.EncryptionAlgorithm); err != nil {
			return CryptoError(LevelDecryption, err, "Unable to encrypt the AS2 message.")
		}
		m.crypted = true
	}

	subject := m.subject
	if subject == "" {
		subject = m.from.SendSubject
	}
	h := header.New(
		"AS2-From", m.from.ID,
		"AS2-To", m.to.ID,
		"AS2-Version", "1.0",
		"From", m.from.Email,
		"Subject", subject,
		"Message-ID", m.id,
		"Mime-Version", "1.0",
		"Disposition-Notification-To", m.from.Email,
		"Recipient-Address", m.to.SendURL,
		"User-Agent", m.engine.userAgent,
	)
	if m.to.MDNSigned {
		h.Set("Disposition-Notification-Options",
			"signed-receipt-protocol=optional, pkcs7-signature; signed-receipt-micalg=optional, sha1")
	}
	if m.to.MDNRequest == partner.MDNAsync {
		url := m.from.MDNURL
		if url == "" {
			url = m.from.SendURL
		}
		h.Set("Receipt-Delivery-Option", url)
	}

	if err := m.adopt(path, h); err != nil {
		return err
	}
	m.headers = h
	return nil
}

// adopt moves the header block of the entity at path into h and keeps the
// body as the message content
func (m *Message) adopt(path string, h *header.Header) error {
	entity, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	fields, body, err := header.FromMessage(entity)
	if err != nil {
		return StructureError(err, "Unable to read the encoded AS2 message.")
	}
	h.Merge(fields)
	if m.path, err = m.scope.WriteFile(body); err != nil {
		return err
	}
	return nil
}

// Decode extracts the payloads of an inbound message
func (m *Message) Decode() error {
	adapter := m.engine.adapter(m.from, m.to, m.scope)
	files, err := adapter.Extract(m.path)
	if err != nil {
		return StructureError(err, "Unable to extract the AS2 message payload.")
	}
	m.files = files
	return nil
}

// GenerateMDN builds the receipt for this message: processed when err is
// nil, failed with a modifier derived from err otherwise
func (m *Message) GenerateMDN(err error) *MDN {
	mdn := m.engine.newMDN(m.scope, m.to, m.from)
	mdn.related = m.headers
	if err != nil {
		mdn.fail(err)
	} else {
		mdn.message = "The AS2 message has been received."
		mdn.SetAttribute("disposition-type", DispositionProcessed)
	}
	mdn.SetAttribute("original-message-id", m.headers.Raw("Message-ID"))
	if m.mic != "" {
		mdn.SetAttribute("received-content-mic", m.mic)
	}
	return mdn
}

// URL is where the message is posted
func (m *Message) URL() string { return m.to.SendURL }

// Body returns the encoded message body
func (m *Message) Body() ([]byte, error) {
	if m.path == "" {
		return nil, fmt.Errorf("message %s is not encoded", m.id)
	}
	return os.ReadFile(m.path)
}

// Credentials used to post the message
func (m *Message) Credentials() partner.Credentials { return m.to.SendCredentials }

// InsecureSkipVerify reports whether the receiver's TLS certificate is trusted blindly
func (m *Message) InsecureSkipVerify() bool { return m.to.TLSInsecureSkipVerify }

// Close deletes the message's temp files. Messages obtained from a Request
// share its files and are cleaned up with it.
func (m *Message) Close() error {
	if !m.owner {
		return nil
	}
	return m.scope.Close()
}

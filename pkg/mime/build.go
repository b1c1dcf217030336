package mime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zostay/go-email/v2/message"
	zheader "github.com/zostay/go-email/v2/message/header"
)

const (
	// ContentTypeMultipartMixed wraps several payload files
	ContentTypeMultipartMixed = "multipart/mixed"
	// ContentTypeMultipartSigned is a detached S/MIME signature
	ContentTypeMultipartSigned = "multipart/signed"
	// ContentTypeMultipartReport is an MDN
	ContentTypeMultipartReport = "multipart/report"
	// ContentTypeDispositionNotification is the machine readable MDN part
	ContentTypeDispositionNotification = "message/disposition-notification"
	// ContentTypePKCS7MIME is an enveloped or compressed S/MIME entity
	ContentTypePKCS7MIME = "application/pkcs7-mime"
	// ContentTypePKCS7Signature is the signature part of multipart/signed
	ContentTypePKCS7Signature = "application/pkcs7-signature"
	// ContentTypeOctetStream is the fallback content type
	ContentTypeOctetStream = "application/octet-stream"
)

// Transfer encodings applied to leaf parts
const (
	EncodingBase64 = "base64"
	EncodingBinary = "binary"
	Encoding7Bit   = "7bit"
)

const base64LineLength = 76

// File describes one payload file on disk
type File struct {
	Path     string
	MimeType string
	Filename string
	Encoding string
}

// Boundary returns a fresh multipart boundary
func Boundary() string {
	return "----=_Part_" + uuid.New().String()
}

// Leaf serialises a single MIME part. The body is encoded with the given
// transfer encoding; an empty encoding leaves it as is.
func Leaf(mediaType, filename, encoding string, data []byte) ([]byte, error) {
	buf := &message.Buffer{}
	buf.SetBreak(zheader.CRLF)
	buf.Set(zheader.ContentType, mediaType)
	if filename != "" {
		buf.SetPresentation("attachment")
		if err := buf.SetFilename(filename); err != nil {
			return nil, fmt.Errorf("failed to set filename: %w", err)
		}
	}
	if encoding != "" {
		buf.SetTransferEncoding(encoding)
	}
	buf.SetSingle()

	if _, err := buf.Write(EncodeBody(encoding, data)); err != nil {
		return nil, fmt.Errorf("failed to write part body: %w", err)
	}

	var out bytes.Buffer
	if _, err := buf.OpaqueAlreadyEncoded().WriteTo(&out); err != nil {
		return nil, fmt.Errorf("failed to serialise part: %w", err)
	}
	return out.Bytes(), nil
}

// Multipart joins already serialised parts under a container of the given
// content type. The content type must not carry a boundary; one is added.
func Multipart(contentType string, parts ...[]byte) ([]byte, string, error) {
	boundary := Boundary()
	fullType := fmt.Sprintf("%s; boundary=\"%s\"", contentType, boundary)

	buf := &message.Buffer{}
	buf.SetBreak(zheader.CRLF)
	buf.Set(zheader.ContentType, fullType)
	buf.SetMultipart(len(parts))
	for i, raw := range parts {
		part, err := message.Parse(bytes.NewReader(raw), message.WithoutMultipart())
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse part %d: %w", i, err)
		}
		buf.Add(part)
	}

	var out bytes.Buffer
	if _, err := buf.Opaque().WriteTo(&out); err != nil {
		return nil, "", fmt.Errorf("failed to serialise multipart: %w", err)
	}
	out.WriteString("\r\n")
	return out.Bytes(), fullType, nil
}

// Compose reads files from disk and builds the payload entity: one part for a
// single file, multipart/mixed for several.
func Compose(files []File) ([]byte, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to compose")
	}

	parts := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
		}

		mediaType := f.MimeType
		if mediaType == "" {
			mediaType = DetectMimeType(f.Path, data)
		}
		filename := f.Filename
		if filename == "" {
			filename = filepath.Base(f.Path)
		}

		part, err := Leaf(mediaType, filename, f.Encoding, data)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}

	entity, _, err := Multipart(ContentTypeMultipartMixed, parts...)
	return entity, err
}

// Report builds a multipart/report of a human readable text and a
// disposition-notification block.
func Report(text string, notification []byte) ([]byte, error) {
	human, err := Leaf("text/plain; charset=us-ascii", "", Encoding7Bit, Canonicalize([]byte(text+"\n")))
	if err != nil {
		return nil, err
	}
	machine, err := Leaf(ContentTypeDispositionNotification, "", Encoding7Bit, Canonicalize(notification))
	if err != nil {
		return nil, err
	}

	entity, _, err := Multipart(ContentTypeMultipartReport+"; report-type=disposition-notification", human, machine)
	return entity, err
}

// EncodeBody applies a transfer encoding. base64 output is wrapped at 76
// columns with CRLF line breaks.
func EncodeBody(encoding string, data []byte) []byte {
	if encoding != EncodingBase64 {
		return data
	}

	enc := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	out.Grow(len(enc) + 2*(len(enc)/base64LineLength+1))
	for len(enc) > base64LineLength {
		out.WriteString(enc[:base64LineLength])
		out.WriteString("\r\n")
		enc = enc[base64LineLength:]
	}
	out.WriteString(enc)
	out.WriteString("\r\n")
	return out.Bytes()
}

// Canonicalize converts bare LF line endings to CRLF
func Canonicalize(data []byte) []byte {
	if !bytes.Contains(data, []byte("\n")) {
		return data
	}
	out := make([]byte, 0, len(data)+bytes.Count(data, []byte("\n")))
	for i, b := range data {
		if b == '\n' && (i == 0 || data[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	return out
}

package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/zostay/go-email/v2/message"

	"github.com/sirosfoundation/go-as2/pkg/header"
)

var (
	// ErrNotMultipart is returned by Split for a non multipart entity
	ErrNotMultipart = errors.New("not a multipart entity")
	// ErrNoBoundary is returned when a multipart entity has no usable boundary
	ErrNoBoundary = errors.New("multipart boundary not found")
)

// Entity is a multipart entity broken into raw parts. Parts hold the exact
// bytes between the boundary delimiters, headers included, with the line
// break preceding each delimiter excluded.
type Entity struct {
	Header    *header.Header
	MediaType string
	Params    map[string]string
	Parts     [][]byte
}

// Part is one decoded leaf part
type Part struct {
	Header    *header.Header
	MediaType string
	Charset   string
	Filename  string
	Data      []byte
}

// MediaTypeOf returns the lowercased media type and parameters of a
// Content-Type value
func MediaTypeOf(contentType string) (string, map[string]string, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse content type %q: %w", contentType, err)
	}
	return strings.ToLower(mt), params, nil
}

// Split breaks a multipart entity into its raw parts
func Split(entity []byte) (*Entity, error) {
	h, body, err := header.FromMessage(entity)
	if err != nil {
		return nil, err
	}

	mt, params, err := MediaTypeOf(h.Raw("Content-Type"))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mt, "multipart/") {
		return nil, fmt.Errorf("%w: %s", ErrNotMultipart, mt)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, ErrNoBoundary
	}

	parts, err := splitBody(body, boundary)
	if err != nil {
		return nil, err
	}

	return &Entity{Header: h, MediaType: mt, Params: params, Parts: parts}, nil
}

// splitBody finds delimiter lines: "--boundary" at the start of a line,
// optionally followed by "--" for the close delimiter and transport padding.
func splitBody(body []byte, boundary string) ([][]byte, error) {
	delim := []byte("--" + boundary)

	var parts [][]byte
	start := -1
	pos := 0
	for pos <= len(body) {
		idx := bytes.Index(body[pos:], delim)
		if idx < 0 {
			break
		}
		idx += pos

		if idx > 0 && body[idx-1] != '\n' {
			pos = idx + len(delim)
			continue
		}

		after := idx + len(delim)
		closing := bytes.HasPrefix(body[after:], []byte("--"))
		lineEnd := bytes.IndexByte(body[after:], '\n')

		if start >= 0 {
			end := idx
			if end > 0 && body[end-1] == '\n' {
				end--
				if end > 0 && body[end-1] == '\r' {
					end--
				}
			}
			if end < start {
				end = start
			}
			parts = append(parts, body[start:end])
		}

		if closing {
			return parts, nil
		}
		if lineEnd < 0 {
			break
		}
		start = after + lineEnd + 1
		pos = start
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no delimiter for %q", ErrNoBoundary, boundary)
	}
	return nil, fmt.Errorf("multipart entity is missing its close delimiter")
}

// ParsePart decodes a single leaf part, undoing its transfer encoding
func ParsePart(raw []byte) (*Part, error) {
	h, _, err := header.FromMessage(raw)
	if err != nil {
		return nil, err
	}

	msg, err := message.Parse(bytes.NewReader(raw), message.WithoutMultipart(), message.DecodeTransferEncoding())
	if err != nil {
		return nil, fmt.Errorf("failed to parse part: %w", err)
	}

	p := &Part{Header: h, MediaType: "text/plain", Charset: "us-ascii"}
	zh := msg.GetHeader()
	if ct, err := zh.GetContentType(); err == nil {
		p.MediaType = strings.ToLower(ct.MediaType())
		if cs := ct.Charset(); cs != "" {
			p.Charset = cs
		}
		p.Filename = ct.Parameter("name")
	}
	if fn, err := zh.GetFilename(); err == nil && fn != "" {
		p.Filename = fn
	}

	if r := msg.GetReader(); r != nil {
		p.Data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode part body: %w", err)
		}
	}
	return p, nil
}

// Extract returns every leaf of an entity in document order. Nested
// multipart containers are walked.
func Extract(entity []byte) ([]*Part, error) {
	h, _, err := header.FromMessage(entity)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(h.MediaType(), "multipart/") {
		p, err := ParsePart(entity)
		if err != nil {
			return nil, err
		}
		return []*Part{p}, nil
	}

	e, err := Split(entity)
	if err != nil {
		return nil, err
	}

	var out []*Part
	for _, raw := range e.Parts {
		sub, err := Extract(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// TopLevelType returns the media type of an entity without reading its body
func TopLevelType(entity []byte) (string, error) {
	msg, err := message.Parse(bytes.NewReader(entity), message.WithoutMultipart())
	if err != nil {
		return "", fmt.Errorf("failed to parse entity: %w", err)
	}
	mt, err := msg.GetHeader().GetMediaType()
	if err != nil {
		return "", fmt.Errorf("entity has no content type: %w", err)
	}
	return strings.ToLower(mt), nil
}

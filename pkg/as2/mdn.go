package as2

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/security"
)

// Disposition values
const (
	ActionAutomatic      = "automatic-action"
	SendingAutomatic     = "MDN-sent-automatically"
	DispositionProcessed = "processed"
	DispositionFailed    = "failed"
)

// MDN is a message disposition notification. Outbound MDNs are generated
// from a received Message or from a processing error; inbound ones come
// from Request.Object and are read with Decode.
type MDN struct {
	engine *Engine
	scope  *security.Scope
	owner  bool

	from, to     *partner.Partner
	fromID, toID string

	// message is the human readable text, attributes the disposition fields
	message    string
	attributes *header.Header

	headers *header.Header
	// path or entity hold an inbound MDN, content the encoded body
	path    string
	entity  []byte
	content []byte
	url     string
	signed  bool
	mic     string

	// related holds the headers of the message this MDN answers
	related *header.Header
}

func (*MDN) object() {}

// NewMDNFromEntity wraps a received multipart/report entity, headers
// included. Call Decode to read it.
func (e *Engine) NewMDNFromEntity(entity []byte, from, to *partner.Partner) *MDN {
	m := e.newMDN(nil, from, to)
	m.entity = entity
	return m
}

func newAttributes() *header.Header {
	return header.New("action-mode", ActionAutomatic, "sending-mode", SendingAutomatic)
}

func (m *MDN) fail(err error) {
	pe := asError(err, LevelUnexpected)
	m.message = pe.Message
	m.SetAttribute("disposition-type", DispositionFailed)
	m.SetAttribute("disposition-modifier", pe.Modifier())
}

// From returns the partner the MDN is sent by, nil if unknown
func (m *MDN) From() *partner.Partner { return m.from }

// To returns the partner the MDN is sent to, nil if unknown
func (m *MDN) To() *partner.Partner { return m.to }

// Message returns the human readable text
func (m *MDN) Message() string { return m.message }

// SetMessage replaces the human readable text
func (m *MDN) SetMessage(text string) { m.message = text }

// Attribute returns a disposition field; names fold case
func (m *MDN) Attribute(name string) string { return m.attributes.Get(name) }

// SetAttribute sets a disposition field
func (m *MDN) SetAttribute(name, value string) { m.attributes.Set(name, value) }

// Attributes returns a copy of the disposition fields
func (m *MDN) Attributes() *header.Header { return m.attributes.Clone() }

// Headers returns the transmission headers
func (m *MDN) Headers() *header.Header { return m.headers }

// MessageID returns the MDN's own Message-ID
func (m *MDN) MessageID() string { return m.headers.Raw("Message-ID") }

// IsSigned reports whether the MDN was signed
func (m *MDN) IsSigned() bool { return m.signed }

// OriginalMessageID returns the Message-ID of the message this MDN answers,
// without angle brackets
func (m *MDN) OriginalMessageID() string {
	return trimMessageID(m.attributes.Get("original-message-id"))
}

// ReceivedContentMIC returns the MIC reported by the receiver
func (m *MDN) ReceivedContentMIC() string {
	return m.attributes.Get("received-content-mic")
}

// DispositionType returns processed or failed
func (m *MDN) DispositionType() string {
	if t := m.attributes.Get("disposition-type"); t != "" {
		return t
	}
	t, _ := splitDisposition(m.attributes.Get("disposition"))
	return t
}

// DispositionModifier returns the modifier of a failed disposition, e.g.
// "error: insufficient-message-security (not crypted)"
func (m *MDN) DispositionModifier() string {
	if mod := m.attributes.Get("disposition-modifier"); mod != "" {
		return mod
	}
	_, mod := splitDisposition(m.attributes.Get("disposition"))
	return mod
}

// splitDisposition reads "<action>/<sending>; <type>[: or /<modifier>]"
func splitDisposition(v string) (typ, modifier string) {
	_, rest, ok := strings.Cut(v, ";")
	if !ok {
		return "", ""
	}
	rest = strings.TrimSpace(rest)
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		return strings.ToLower(strings.TrimSpace(rest[:i])), strings.TrimSpace(rest[i+1:])
	}
	return strings.ToLower(rest), ""
}

// SetURL sets where an async MDN is posted
func (m *MDN) SetURL(url string) { m.url = url }

// URL is where the MDN is posted; empty for a synchronous reply
func (m *MDN) URL() string { return m.url }

// IsAsync reports whether the MDN is delivered by a separate POST
func (m *MDN) IsAsync() bool { return m.url != "" }

// Encode builds the wire form of the MDN. When related is the message
// being answered, its Receipt-Delivery-Option selects async delivery and
// its Disposition-Notification-Options request a signed receipt.
func (m *MDN) Encode(ctx context.Context, related *Message) error {
	if related != nil {
		m.related = related.Headers()
	}
	if m.related != nil && m.url == "" {
		m.url = m.related.Get("Receipt-Delivery-Option")
	}

	notification := header.New("Reporting-UA", m.engine.reportingUA)
	if m.fromID != "" {
		recipient := fmt.Sprintf(`rfc822; "%s"`, m.fromID)
		notification.Set("Original-Recipient", recipient)
		notification.Set("Final-Recipient", recipient)
	}
	notification.Set("Original-Message-ID", m.attributes.Raw("original-message-id"))
	disposition := m.Attribute("action-mode") + "/" + m.Attribute("sending-mode") + "; " + m.Attribute("disposition-type")
	if m.Attribute("disposition-type") != DispositionProcessed {
		disposition += ": " + m.Attribute("disposition-modifier")
	}
	notification.Set("Disposition", disposition)
	if mic := m.Attribute("received-content-mic"); mic != "" {
		notification.Set("Received-Content-MIC", mic)
	}

	entity, err := mime.Report(m.message, []byte(notification.String()+"\r\n"))
	if err != nil {
		return StructureError(err, "Unable to build the AS2 MDN.")
	}
	path, err := m.scope.WriteFile(entity)
	if err != nil {
		return err
	}

	if related != nil && related.Headers().Has("Disposition-Notification-Options") {
		if m.from == nil {
			return ConfigurationError(partner.ErrUnknownPartner, "AS2 MDN sender is unknown and cannot sign")
		}
		alg := requestedMicAlgorithm(related.Headers())
		adapter := m.engine.adapter(m.from, m.to, m.scope)
		if path, err = adapter.SignWith(path, alg, false, ""); err != nil {
			return CryptoError(LevelIntegrity, err, "Unable to sign the AS2 MDN.")
		}
		m.signed = true
	}

	h := header.New(
		"AS2-Version", "1.0",
		"Message-ID", NewMessageID(m.fromID, m.engine.hostname),
		"Mime-Version", "1.0",
		"User-Agent", m.engine.userAgent,
	)
	if m.fromID != "" {
		h.Set("AS2-From", `"`+m.fromID+`"`)
	}
	if m.from != nil {
		h.Set("From", m.from.Email)
		h.Set("Subject", m.from.MDNSubject)
		h.Set("Disposition-Notification-To", m.from.SendURL)
	}
	if m.toID != "" {
		h.Set("AS2-To", `"`+m.toID+`"`)
	}
	if m.to != nil {
		h.Set("Recipient-Address", m.to.SendURL)
	}
	if m.url != "" {
		h.Set("Recipient-Address", m.url)
	}

	entity, err = os.ReadFile(path)
	if err != nil {
		return err
	}
	fields, body, err := header.FromMessage(entity)
	if err != nil {
		return StructureError(err, "Unable to read the encoded AS2 MDN.")
	}
	h.Merge(fields)
	m.headers = h
	m.content = body
	return nil
}

// requestedMicAlgorithm reads signed-receipt-micalg from
// Disposition-Notification-Options, defaulting to sha1
func requestedMicAlgorithm(h *header.Header) security.MicAlgorithm {
	for _, param := range strings.Split(h.Raw("Disposition-Notification-Options"), ";") {
		name, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "signed-receipt-micalg") {
			continue
		}
		// importance, alg[, alg...]: the first usable one wins
		values := strings.Split(value, ",")
		for _, v := range values[1:] {
			if alg, err := security.ParseMicAlgorithm(v); err == nil && alg != security.MicMD5 {
				return alg
			}
		}
	}
	return security.MicSHA1
}

// Decode parses the multipart/report of an inbound MDN. Previous state is
// discarded first, so decoding the same MDN twice gives the same result.
func (m *MDN) Decode() error {
	m.message = ""
	m.attributes = header.New()

	entity := m.entity
	if entity == nil {
		data, err := os.ReadFile(m.path)
		if err != nil {
			return StructureError(err, "Unable to read the AS2 MDN.")
		}
		entity = data
	}

	report, err := mime.Split(entity)
	if err == nil && report.MediaType == mime.ContentTypeMultipartSigned && len(report.Parts) > 0 {
		// signatures are checked by Request.Object, not here
		report, err = mime.Split(report.Parts[0])
	}
	if err != nil {
		return StructureError(err, "Unable to parse the AS2 MDN.")
	}
	for _, raw := range report.Parts {
		part, err := mime.ParsePart(raw)
		if err != nil {
			return StructureError(err, "Unable to parse the AS2 MDN.")
		}
		if part.MediaType == mime.ContentTypeDispositionNotification {
			attrs, err := header.Parse(part.Data)
			if err != nil {
				return StructureError(err, "Unable to parse the AS2 MDN disposition.")
			}
			m.attributes = attrs
			continue
		}
		m.message = strings.TrimSpace(toUTF8(part.Data, part.Charset))
	}
	m.entity = entity
	return nil
}

// toUTF8 transcodes text from its declared charset; unknown charsets are
// passed through
func toUTF8(data []byte, charset string) string {
	cs := strings.ToLower(charset)
	if cs == "" || cs == "utf-8" || cs == "us-ascii" {
		return string(data)
	}
	enc, err := ianaindex.MIME.Encoding(cs)
	if err != nil || enc == nil {
		return string(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// Body returns the encoded MDN body
func (m *MDN) Body() ([]byte, error) {
	if m.content == nil {
		return nil, fmt.Errorf("MDN is not encoded")
	}
	return m.content, nil
}

// Credentials used to post an async MDN
func (m *MDN) Credentials() partner.Credentials {
	if m.to == nil {
		return partner.Credentials{}
	}
	return m.to.MDNCredentials
}

// InsecureSkipVerify reports whether the receiver's TLS certificate is trusted blindly
func (m *MDN) InsecureSkipVerify() bool {
	return m.to != nil && m.to.TLSInsecureSkipVerify
}

// Close deletes temp files owned by the MDN
func (m *MDN) Close() error {
	if !m.owner {
		return nil
	}
	return m.scope.Close()
}

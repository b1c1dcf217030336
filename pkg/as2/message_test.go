package as2

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

func TestMessageRoundTrip(t *testing.T) {
	k := newKeys(t)

	tests := []struct {
		sign     string
		crypt    string
		compress bool
		payloads []string
	}{
		{"none", "none", false, []string{purchaseOrder}},
		{"none", "none", false, []string{purchaseOrder, "second payload\r\n"}},
		{"sha1", "none", false, []string{purchaseOrder}},
		{"sha1", "none", false, []string{purchaseOrder, "second payload\r\n"}},
		{"none", "des3", false, []string{purchaseOrder}},
		{"none", "des3", false, []string{purchaseOrder, "second payload\r\n"}},
		{"sha256", "aes128", false, []string{purchaseOrder}},
		{"sha256", "aes128", false, []string{purchaseOrder, "second payload\r\n"}},
		{"sha1", "des3", true, []string{purchaseOrder}},
		{"none", "aes256", true, []string{purchaseOrder}},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("sign=%s/crypt=%s/compress=%v/files=%d", tt.sign, tt.crypt, tt.compress, len(tt.payloads))
		t.Run(name, func(t *testing.T) {
			mod := func(r *partner.Record) {
				policy(tt.sign, tt.crypt)(r)
				r.SendCompress = tt.compress
			}
			e := newTestEngine(t, Config{}, k.record(sender, mod), k.record(receiver, mod))
			ctx := context.Background()

			out := encode(t, e, tt.payloads...)
			assert.Equal(t, tt.sign != "none", out.IsSigned())
			assert.Equal(t, tt.crypt != "none", out.IsCrypted())
			assert.Equal(t, sender, out.Headers().Get("AS2-From"))
			assert.Equal(t, receiver, out.Headers().Get("AS2-To"))
			assert.Equal(t, "1.0", out.Headers().Get("AS2-Version"))
			assert.NotEmpty(t, out.Headers().Get("Content-Type"))

			req, err := e.NewRequest(ctx, body(t, out), out.Headers().Clone())
			require.NoError(t, err)
			defer req.Close()

			obj, err := req.Object(ctx)
			require.NoError(t, err)
			in, ok := obj.(*Message)
			require.True(t, ok, "expected a message, got %T", obj)
			assert.Equal(t, tt.sign != "none", req.IsSigned())
			assert.Equal(t, tt.crypt != "none", req.IsCrypted())
			if out.IsSigned() {
				assert.Equal(t, out.MicChecksum(), in.MicChecksum())
			}
			assert.NotEmpty(t, in.MicChecksum())

			require.NoError(t, in.Decode())
			files := in.Files()
			require.Len(t, files, len(tt.payloads))
			for i, f := range files {
				data, err := os.ReadFile(f.Path)
				require.NoError(t, err)
				assert.Equal(t, tt.payloads[i], string(data))
				assert.Equal(t, "application/edi-x12", f.MimeType)
				assert.Equal(t, fmt.Sprintf("po%d.edi", i+1), f.Filename)
			}
		})
	}
}

func TestMessageHeaders(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{},
		k.record(sender, func(r *partner.Record) {
			r.MDNURL = "https://acme.example.com/mdn"
			r.SendSubject = "Purchase orders"
		}),
		k.record(receiver, func(r *partner.Record) {
			r.SignatureAlgorithm = "sha256"
			r.MDNRequest = "ASYNC"
		}),
	)

	msg := encode(t, e, purchaseOrder)
	h := msg.Headers()

	assert.Equal(t, "ACME@example.com", h.Get("From"))
	assert.Equal(t, "ACME@example.com", h.Get("Disposition-Notification-To"))
	assert.Equal(t, "Purchase orders", h.Get("Subject"))
	assert.Equal(t, "http://GLOBEX.example.com/as2", h.Get("Recipient-Address"))
	assert.Equal(t, "https://acme.example.com/mdn", h.Get("Receipt-Delivery-Option"))
	assert.Equal(t, "signed-receipt-protocol=optional, pkcs7-signature; signed-receipt-micalg=optional, sha1",
		h.Get("Disposition-Notification-Options"))
	assert.Equal(t, msg.MessageID(), h.Get("Message-ID"))
	assert.True(t, strings.HasPrefix(msg.MessageID(), "<"))
	assert.Contains(t, msg.MessageID(), "_acme_test.local>")
	assert.Equal(t, "http://GLOBEX.example.com/as2", msg.URL())

	// the entity header block moved into the transmission headers
	assert.Equal(t, mime.ContentTypePKCS7MIME, h.MediaType())
	assert.False(t, strings.HasPrefix(string(body(t, msg)), "Content-Type"))
}

func TestMessageReceiptDeliveryFallsBackToSendURL(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{},
		k.record(sender, nil),
		k.record(receiver, func(r *partner.Record) { r.MDNRequest = "ASYNC" }),
	)

	h := encode(t, e, purchaseOrder).Headers()
	assert.Equal(t, "http://ACME.example.com/as2", h.Get("Receipt-Delivery-Option"))
}

func TestMessageSubjectOverride(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, nil), k.record(receiver, nil))

	msg, err := e.NewMessage(context.Background(), sender, receiver)
	require.NoError(t, err)
	defer msg.Close()
	msg.SetSubject("Invoice 42")
	require.NoError(t, msg.AddFile([]byte(purchaseOrder), "", "invoice.edi", ""))
	require.NoError(t, msg.Encode(context.Background()))

	assert.Equal(t, "Invoice 42", msg.Headers().Get("Subject"))
	assert.Equal(t, "application/edi-x12", msg.Files()[0].MimeType)
}

func TestMessageAddFilePath(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, policy("sha1", "none")), k.record(receiver, policy("sha1", "none")))
	ctx := context.Background()

	path := t.TempDir() + "/orders.xml"
	require.NoError(t, os.WriteFile(path, []byte("<orders/>"), 0o600))

	msg, err := e.NewMessage(ctx, sender, receiver)
	require.NoError(t, err)
	defer msg.Close()
	require.NoError(t, msg.AddFilePath(path, "", "", ""))
	require.NoError(t, msg.Encode(ctx))

	f := msg.Files()[0]
	assert.Equal(t, "orders.xml", f.Filename)
	assert.Equal(t, "application/xml", f.MimeType)

	require.NoError(t, msg.Close())
	_, err = os.Stat(path)
	assert.NoError(t, err, "caller's file must survive Close")
}

func TestMessageEncodeWithoutPayload(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, nil), k.record(receiver, nil))

	msg, err := e.NewMessage(context.Background(), sender, receiver)
	require.NoError(t, err)
	defer msg.Close()

	err = msg.Encode(context.Background())
	assert.True(t, IsKind(err, KindStructure))
}

func TestNewMessageUnknownPartner(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, nil))

	_, err := e.NewMessage(context.Background(), sender, "NOBODY")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindConfiguration, pe.Kind)
	assert.Equal(t, LevelAuthentication, pe.Level)
	assert.ErrorIs(t, err, partner.ErrUnknownPartner)
}

func TestPolicyEnforcement(t *testing.T) {
	k := newKeys(t)

	tests := []struct {
		name      string
		sent      func(*partner.Record)
		required  func(*partner.Record)
		qualifier string
		message   string
	}{
		{
			name:      "unsigned where signature required",
			sent:      policy("none", "none"),
			required:  policy("sha1", "none"),
			qualifier: "not signed",
			message:   "AS2 message is not signed and should be.",
		},
		{
			name:      "unencrypted where encryption required",
			sent:      policy("sha1", "none"),
			required:  policy("sha1", "des3"),
			qualifier: "not crypted",
			message:   "AS2 message is not crypted and should be.",
		},
		{
			name:      "plain where both required",
			sent:      policy("none", "none"),
			required:  policy("sha1", "des3"),
			qualifier: "not crypted",
			message:   "AS2 message is not crypted and should be.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			out := newTestEngine(t, Config{}, k.record(sender, nil), k.record(receiver, tt.sent))
			in := newTestEngine(t, Config{}, k.record(sender, tt.required), k.record(receiver, nil))

			msg := encode(t, out, purchaseOrder)
			req, err := in.NewRequest(ctx, body(t, msg), msg.Headers().Clone())
			require.NoError(t, err)
			defer req.Close()

			_, err = req.Object(ctx)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, KindSecurityPolicy, pe.Kind)
			assert.Equal(t, LevelPolicy, pe.Level)
			assert.Equal(t, tt.message, pe.Message)
			assert.Equal(t, "error: insufficient-message-security ("+tt.qualifier+")", pe.Modifier())
		})
	}
}

func TestRequestTamperedSignature(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, policy("sha1", "none")), k.record(receiver, policy("sha1", "none")))
	ctx := context.Background()

	msg := encode(t, e, purchaseOrder)
	// "ISA*00" base64 encoded, turned into "ISA*01"
	signed := string(body(t, msg))
	require.Contains(t, signed, "SVNBKjAw")
	tampered := strings.Replace(signed, "SVNBKjAw", "SVNBKjAx", 1)

	req, err := e.NewRequest(ctx, []byte(tampered), msg.Headers().Clone())
	require.NoError(t, err)
	defer req.Close()

	_, err = req.Object(ctx)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, LevelIntegrity, pe.Level)
	assert.Equal(t, "error: integrity-check-failed", pe.Modifier())
}

func TestRequestUnknownPartner(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(receiver, nil))

	h := header.New("AS2-From", "NOBODY", "AS2-To", receiver, "Content-Type", "text/plain")
	_, err := e.NewRequest(context.Background(), []byte("hello"), h)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindConfiguration, pe.Kind)
	assert.Equal(t, 1, pe.Level)
	assert.Equal(t, 0, e.temp.Len(), "nothing is stored for a rejected request")
}

func TestRequestHeadersFoldCase(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, nil), k.record(receiver, nil))

	h := header.New("as2-from", sender, "AS2-TO", `"`+receiver+`"`, "message-id", "<abc@host>", "content-type", "text/plain; charset=us-ascii")
	req, err := e.NewRequest(context.Background(), []byte("hello"), h)
	require.NoError(t, err)
	defer req.Close()

	assert.Equal(t, sender, req.FromID())
	assert.Equal(t, receiver, req.ToID())
	assert.Equal(t, "abc@host", req.MessageID())
	assert.Equal(t, "text/plain", req.MediaType())
	for _, name := range []string{"Content-Type", "content-type", "CONTENT-TYPE"} {
		assert.Equal(t, "text/plain; charset=us-ascii", req.Headers().Get(name))
	}
}

func TestRequestEmptyBodyIsMalformed(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, nil), k.record(receiver, nil))

	req, err := e.NewRequest(context.Background(), nil, header.New("AS2-From", sender, "AS2-To", receiver))
	require.NoError(t, err)
	defer req.Close()

	obj, err := req.Object(context.Background())
	require.NoError(t, err)
	m, ok := obj.(*Malformed)
	require.True(t, ok)
	assert.Equal(t, "empty body", m.Reason)
}

func TestRequestDecrypt(t *testing.T) {
	k := newKeys(t)
	ctx := context.Background()

	t.Run("encrypted", func(t *testing.T) {
		e := newTestEngine(t, Config{}, k.record(sender, policy("none", "des3")), k.record(receiver, policy("none", "des3")))
		msg := encode(t, e, purchaseOrder)
		req, err := e.NewRequest(ctx, body(t, msg), msg.Headers().Clone())
		require.NoError(t, err)
		defer req.Close()

		path, ok, err := req.Decrypt()
		require.NoError(t, err)
		assert.True(t, ok)
		plain, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(plain), "application/edi-x12")
	})

	t.Run("not encrypted", func(t *testing.T) {
		e := newTestEngine(t, Config{}, k.record(sender, policy("sha1", "none")), k.record(receiver, policy("sha1", "none")))
		msg := encode(t, e, purchaseOrder)
		req, err := e.NewRequest(ctx, body(t, msg), msg.Headers().Clone())
		require.NoError(t, err)
		defer req.Close()

		path, ok, err := req.Decrypt()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, path)
	})
}

func TestRequestIsReadOnly(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, nil), k.record(receiver, nil))

	req, err := e.NewRequest(context.Background(), []byte("x"), header.New("AS2-From", sender, "AS2-To", receiver))
	require.NoError(t, err)
	defer req.Close()

	assert.ErrorIs(t, req.Encode(context.Background()), ErrUnsupportedOperation)
	assert.ErrorIs(t, req.Decode(), ErrUnsupportedOperation)
}

func TestGenerateMDNDisposition(t *testing.T) {
	k := newKeys(t)
	e := newTestEngine(t, Config{}, k.record(sender, policy("sha1", "none")), k.record(receiver, policy("sha1", "none")))
	msg := encode(t, e, purchaseOrder)

	ok := msg.GenerateMDN(nil)
	assert.Equal(t, DispositionProcessed, ok.Attribute("disposition-type"))
	assert.Equal(t, DispositionProcessed, ok.DispositionType())
	assert.Empty(t, ok.DispositionModifier())
	assert.Equal(t, "The AS2 message has been received.", ok.Message())
	assert.Equal(t, msg.MicChecksum(), ok.ReceivedContentMIC())
	assert.Equal(t, trimMessageID(msg.MessageID()), ok.OriginalMessageID())
	assert.Equal(t, receiver, ok.From().ID)
	assert.Equal(t, sender, ok.To().ID)

	for _, err := range []error{
		errors.New("disk full"),
		PolicyError("not signed", "AS2 message is not signed and should be."),
		CryptoError(LevelDecryption, errors.New("bad key"), "Unable to decrypt the AS2 message."),
		ConfigurationError(nil, "Unknown AS2 sender"),
	} {
		failed := msg.GenerateMDN(err)
		assert.Equal(t, DispositionFailed, failed.DispositionType(), err.Error())
		assert.NotEmpty(t, failed.DispositionModifier(), err.Error())
		assert.True(t, strings.HasPrefix(failed.DispositionModifier(), "error: "), err.Error())
	}

	assert.Equal(t, "error: unexpected-processing-error", msg.GenerateMDN(errors.New("disk full")).DispositionModifier())
	assert.Equal(t, "error: decryption-failed",
		msg.GenerateMDN(CryptoError(LevelDecryption, nil, "x")).DispositionModifier())
}

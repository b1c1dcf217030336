package as2

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/internal/testpki"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/security"
)

const (
	sender   = "ACME"
	receiver = "GLOBEX"

	purchaseOrder = "ISA*00*          *00*          *ZZ*ACME           *ZZ*GLOBEX         *\r\nPO1*PO12345~\r\nIEA*1*000000001~\r\n"
)

// keys holds one identity per partner, shared by every engine of a test
type keys struct {
	p12 map[string]string
}

func newKeys(t *testing.T) *keys {
	t.Helper()
	dir := t.TempDir()
	k := &keys{p12: map[string]string{}}
	for _, id := range []string{sender, receiver} {
		k.p12[id] = testpki.New(t, id).WritePKCS12(t, dir, "secret")
	}
	return k
}

func (k *keys) record(id string, mod func(*partner.Record)) partner.Record {
	r := partner.Record{
		ID:             id,
		Email:          id + "@example.com",
		PKCS12:         k.p12[id],
		PKCS12Password: "secret",
		SendURL:        "http://" + id + ".example.com/as2",
	}
	if mod != nil {
		mod(&r)
	}
	return r
}

func policy(sign, crypt string) func(*partner.Record) {
	return func(r *partner.Record) {
		r.SignatureAlgorithm = sign
		r.EncryptionAlgorithm = crypt
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, records ...partner.Record) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	cfg.Directory = partner.NewDirectory(partner.NewStaticProvider(records...), cfg.Logger)
	if cfg.TempStore == nil {
		store, err := security.NewTempStore(t.TempDir(), cfg.Logger)
		require.NoError(t, err)
		cfg.TempStore = store
	}
	cfg.Hostname = "test.local"

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// encode builds and encodes a message from sender to receiver
func encode(t *testing.T, e *Engine, payloads ...string) *Message {
	t.Helper()
	ctx := context.Background()
	msg, err := e.NewMessage(ctx, sender, receiver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = msg.Close() })

	for i, p := range payloads {
		require.NoError(t, msg.AddFile([]byte(p), "application/edi-x12", "po"+string(rune('1'+i))+".edi", ""))
	}
	require.NoError(t, msg.Encode(ctx))
	return msg
}

func body(t *testing.T, tr Transmission) []byte {
	t.Helper()
	data, err := tr.Body()
	require.NoError(t, err)
	return data
}

// recorder collects events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) received() []MessageReceived {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MessageReceived
	for _, ev := range r.events {
		if mr, ok := ev.(MessageReceived); ok {
			out = append(out, mr)
		}
	}
	return out
}

func (r *recorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

// as2Handler serves a Service over HTTP the way the front end does
func as2Handler(svc func() *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		svc().HandleRequest(r.Context(), data, header.FromMIME(textproto.MIMEHeader(r.Header)), w)
	})
}

// readReply decodes the MDN written to a recorder
func readReply(t *testing.T, e *Engine, rec *httptest.ResponseRecorder) *MDN {
	t.Helper()
	h := header.FromMIME(textproto.MIMEHeader(rec.Header()))
	mdn := e.NewMDNFromEntity(append(h.Bytes(), rec.Body.Bytes()...), nil, nil)
	t.Cleanup(func() { _ = mdn.Close() })
	require.NoError(t, mdn.Decode())
	return mdn
}

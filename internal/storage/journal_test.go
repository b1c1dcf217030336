package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/mime"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/security"
)

type memLog struct {
	mu       sync.Mutex
	messages map[string]Message
}

func newMemLog() *memLog {
	return &memLog{messages: map[string]Message{}}
}

func (l *memLog) SaveMessage(_ context.Context, msg *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[msg.ID] = *msg
	return nil
}

func (l *memLog) GetMessage(_ context.Context, id string) (*Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return &msg, nil
}

func (l *memLog) UpdateDisposition(_ context.Context, id, disposition, modifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.Status = StatusFor(disposition)
	msg.Disposition, msg.Modifier = disposition, modifier
	l.messages[id] = msg
	return nil
}

func (l *memLog) ListMessages(context.Context, *MessageFilter) ([]*Message, error) {
	return nil, errors.New("not implemented")
}

func testEngine(t *testing.T) *as2.Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	records := []partner.Record{
		{ID: "ACME", SignatureAlgorithm: "none", EncryptionAlgorithm: "none", SendURL: "http://acme.example/as2"},
		{ID: "GLOBEX", SignatureAlgorithm: "none", EncryptionAlgorithm: "none", SendURL: "http://globex.example/as2"},
	}
	temp, err := security.NewTempStore(t.TempDir(), logger)
	require.NoError(t, err)
	e, err := as2.NewEngine(as2.Config{
		Directory: partner.NewDirectory(partner.NewStaticProvider(records...), logger),
		TempStore: temp,
		Logger:    logger,
		Hostname:  "test.local",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestJournalInbound(t *testing.T) {
	log := newMemLog()
	j := NewJournal(log, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for _, name := range []string{"po1.edi", "po2.edi"} {
		j.Handle(ctx, as2.MessageReceived{
			MessageID: "abc@globex",
			FromID:    "GLOBEX",
			ToID:      "ACME",
			File:      mime.File{Filename: name, MimeType: "application/edi-x12"},
			Content:   []byte("ISA*00~"),
		})
	}

	msg, err := log.GetMessage(ctx, "abc@globex")
	require.NoError(t, err)
	assert.Equal(t, DirectionInbound, msg.Direction)
	assert.Equal(t, StatusReceived, msg.Status)
	assert.Equal(t, "GLOBEX", msg.FromID)
	require.Len(t, msg.Files, 2)
	assert.Equal(t, "po2.edi", msg.Files[1].Filename)
	assert.Equal(t, int64(7), msg.Files[0].Size)
}

func TestJournalOutboundAndDisposition(t *testing.T) {
	log := newMemLog()
	j := NewJournal(log, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Unix(1700000000, 0)
	j.now = func() time.Time { return fixed }
	ctx := context.Background()
	e := testEngine(t)

	msg, err := e.NewMessage(ctx, "ACME", "GLOBEX")
	require.NoError(t, err)
	defer msg.Close()
	require.NoError(t, msg.AddFile([]byte("ISA*00~"), "", "po.edi", ""))
	require.NoError(t, msg.Encode(ctx))

	j.Handle(ctx, as2.MessageSent{Message: msg})

	id := msg.MessageID()[1 : len(msg.MessageID())-1]
	logged, err := log.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DirectionOutbound, logged.Direction)
	assert.Equal(t, StatusSent, logged.Status)
	assert.Equal(t, msg.MicChecksum(), logged.Mic)
	assert.Equal(t, fixed, logged.CreatedAt)
	require.Len(t, logged.Files, 1)
	assert.Equal(t, int64(7), logged.Files[0].Size)

	mdn := e.NewMDNFromError(ctx, as2.CryptoError(as2.LevelDecryption, nil, "Unable to decrypt the AS2 message."), "ACME", "GLOBEX")
	defer mdn.Close()
	mdn.SetAttribute("original-message-id", msg.MessageID())
	j.Handle(ctx, as2.MdnReceived{MDN: mdn})

	logged, err = log.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, logged.Status)
	assert.Equal(t, "failed", logged.Disposition)
	assert.Equal(t, "error: decryption-failed", logged.Modifier)
}

func TestJournalIgnoresUnknownMDN(t *testing.T) {
	log := newMemLog()
	j := NewJournal(log, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e := testEngine(t)

	mdn := e.NewMDNFromError(context.Background(), errors.New("boom"), "ACME", "GLOBEX")
	defer mdn.Close()
	mdn.SetAttribute("original-message-id", "<nobody@nowhere>")
	j.Handle(context.Background(), as2.MdnReceived{MDN: mdn})
	j.Handle(context.Background(), as2.LogEvent{Level: slog.LevelInfo, Message: "ignored"})

	assert.Empty(t, log.messages)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusProcessed, StatusFor("processed"))
	assert.Equal(t, StatusFailed, StatusFor("failed"))
	assert.Equal(t, StatusFailed, StatusFor(""))
}

package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/as2"
)

// Journal is an as2.EventSink writing traffic to a MessageLog
type Journal struct {
	log    MessageLog
	logger *slog.Logger
	now    func() time.Time
}

// NewJournal creates a journal over log
func NewJournal(log MessageLog, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{log: log, logger: logger.With("component", "journal"), now: time.Now}
}

// Handle implements as2.EventSink
func (j *Journal) Handle(ctx context.Context, ev as2.Event) {
	var err error
	switch e := ev.(type) {
	case as2.MessageReceived:
		err = j.received(ctx, e)
	case as2.MessageSent:
		err = j.sent(ctx, e)
	case as2.MdnReceived:
		err = j.disposition(ctx, e)
	default:
		return
	}
	if err != nil {
		j.logger.Error("failed to journal AS2 event", "error", err)
	}
}

// received is called once per payload; the first one creates the entry
func (j *Journal) received(ctx context.Context, e as2.MessageReceived) error {
	id := messageID(e.MessageID)
	file := File{Filename: e.File.Filename, MimeType: e.File.MimeType, Size: int64(len(e.Content))}

	msg, err := j.log.GetMessage(ctx, id)
	switch {
	case errors.Is(err, ErrMessageNotFound):
		now := j.now()
		msg = &Message{
			ID:        id,
			Direction: DirectionInbound,
			FromID:    e.FromID,
			ToID:      e.ToID,
			Status:    StatusReceived,
			CreatedAt: now,
		}
	case err != nil:
		return err
	}
	msg.Files = append(msg.Files, file)
	msg.UpdatedAt = j.now()
	return j.log.SaveMessage(ctx, msg)
}

func (j *Journal) sent(ctx context.Context, e as2.MessageSent) error {
	m := e.Message
	now := j.now()
	msg := &Message{
		ID:        messageID(m.MessageID()),
		Direction: DirectionOutbound,
		FromID:    m.From().ID,
		ToID:      m.To().ID,
		Status:    StatusSent,
		Mic:       m.MicChecksum(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, f := range m.Files() {
		var size int64
		if info, err := os.Stat(f.Path); err == nil {
			size = info.Size()
		}
		msg.Files = append(msg.Files, File{Filename: f.Filename, MimeType: f.MimeType, Size: size})
	}
	return j.log.SaveMessage(ctx, msg)
}

func (j *Journal) disposition(ctx context.Context, e as2.MdnReceived) error {
	id := messageID(e.MDN.OriginalMessageID())
	err := j.log.UpdateDisposition(ctx, id, e.MDN.DispositionType(), e.MDN.DispositionModifier())
	if errors.Is(err, ErrMessageNotFound) {
		j.logger.Warn("MDN for an unknown message", "original_message_id", id)
		return nil
	}
	return err
}

func messageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

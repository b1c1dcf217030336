package as2

import (
	"context"
	"log/slog"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/mime"
)

// Event is a notification emitted while transmissions are processed
type Event interface {
	event()
}

// LogEvent is a free form log line
type LogEvent struct {
	Level   slog.Level
	Message string
	Attrs   []any
}

// IncomingRequest is emitted when an inbound transmission is accepted
type IncomingRequest struct {
	Request *Request
}

// MessageReceived is emitted once per payload of a received message
type MessageReceived struct {
	MessageID string
	FromID    string
	ToID      string
	File      mime.File
	Content   []byte
}

// OutgoingMessage is emitted with the encoded body before a message is sent
type OutgoingMessage struct {
	Message *Message
	Content []byte
}

// MessageSent is emitted after a message was accepted by the partner
type MessageSent struct {
	Message *Message
	Headers *header.Header
}

// MdnReceived is emitted for every MDN received, sync or async
type MdnReceived struct {
	MDN *MDN
}

func (LogEvent) event()        {}
func (IncomingRequest) event() {}
func (MessageReceived) event() {}
func (OutgoingMessage) event() {}
func (MessageSent) event()     {}
func (MdnReceived) event()     {}

// EventSink receives notifications. Handle must not block for long; the
// return value is not consulted.
type EventSink interface {
	Handle(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to an EventSink
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Handle(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// MultiSink fans events out to several sinks in order
type MultiSink []EventSink

func (m MultiSink) Handle(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Handle(ctx, ev)
		}
	}
}

// LogSink writes events to a structured logger
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a LogSink; nil means slog.Default()
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case LogEvent:
		s.Logger.Log(ctx, e.Level, e.Message, e.Attrs...)
	case IncomingRequest:
		s.Logger.DebugContext(ctx, "incoming AS2 request",
			"message_id", e.Request.MessageID(), "from", e.Request.FromID(), "to", e.Request.ToID())
	case MessageReceived:
		s.Logger.InfoContext(ctx, "payload received",
			"message_id", e.MessageID, "from", e.FromID, "to", e.ToID,
			"filename", e.File.Filename, "mimetype", e.File.MimeType, "size", len(e.Content))
	case OutgoingMessage:
		s.Logger.DebugContext(ctx, "outgoing AS2 message",
			"message_id", e.Message.MessageID(), "size", len(e.Content))
	case MessageSent:
		s.Logger.InfoContext(ctx, "AS2 message sent",
			"message_id", e.Message.MessageID(), "from", e.Message.From().ID, "to", e.Message.To().ID)
	case MdnReceived:
		s.Logger.InfoContext(ctx, "MDN received",
			"original_message_id", e.MDN.OriginalMessageID(), "disposition", e.MDN.DispositionType(),
			"modifier", e.MDN.DispositionModifier())
	}
}

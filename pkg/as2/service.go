package as2

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// DefaultMimeType is the payload type used when SendOptions leaves it empty
const DefaultMimeType = "application/edi-x12"

// Service is the entry point for applications: it receives transmissions
// and sends messages, emitting events along the way.
type Service struct {
	engine *Engine
	server *Server
	client *Client
}

// NewService creates a service on top of an engine
func NewService(engine *Engine) *Service {
	return &Service{engine: engine, server: engine.Server(), client: engine.Client()}
}

// Engine returns the underlying engine
func (s *Service) Engine() *Engine {
	return s.engine
}

// HandleRequest processes one inbound HTTP transmission and writes the
// response. Each payload of a received message is emitted as a
// MessageReceived event, except for duplicates.
func (s *Service) HandleRequest(ctx context.Context, body []byte, h *header.Header, w http.ResponseWriter) *Result {
	s.engine.log(ctx, slog.LevelInfo, "Incoming AS2 request.", "from", h.Get("AS2-From"), "to", h.Get("AS2-To"))

	req, err := s.engine.NewRequest(ctx, body, h)
	if err != nil {
		return s.server.Reject(ctx, h, err, w)
	}
	defer req.Close()

	s.engine.emit(ctx, IncomingRequest{Request: req})
	res := s.server.Handle(ctx, req, w)

	msg, ok := res.Object.(*Message)
	if !ok || res.Err != nil || res.Duplicate {
		return res
	}
	for _, f := range msg.Files() {
		content, err := os.ReadFile(f.Path)
		if err != nil {
			s.engine.log(ctx, slog.LevelError, "Unable to read received payload", "message_id", msg.MessageID(), "error", err)
			continue
		}
		s.engine.emit(ctx, MessageReceived{
			MessageID: msg.MessageID(),
			FromID:    msg.From().ID,
			ToID:      msg.To().ID,
			File:      f,
			Content:   content,
		})
	}
	return res
}

// SendOptions describes one outbound message. Exactly one of Content and
// Path carries the payload.
type SendOptions struct {
	From     string
	To       string
	Content  []byte
	Path     string
	MimeType string
	Filename string
	Subject  string
	Encoding string
}

// Delivery is the outcome of SendMessage
type Delivery struct {
	MessageID string
	// Headers are the transmission headers that were sent
	Headers *header.Header
	Mic     string
	Result  *SendResult
	// MDN is the synchronous receipt, nil for async partners
	MDN *MDN
}

// SendMessage builds, encodes and sends a message. A synchronous MDN is
// returned in the Delivery; a failed disposition is not an error.
func (s *Service) SendMessage(ctx context.Context, opts SendOptions) (*Delivery, error) {
	msg, err := s.engine.NewMessage(ctx, opts.From, opts.To)
	if err != nil {
		return nil, err
	}
	defer msg.Close()

	if opts.Subject != "" {
		msg.SetSubject(opts.Subject)
	}
	mimetype := opts.MimeType
	if mimetype == "" {
		mimetype = DefaultMimeType
	}
	if opts.Path != "" {
		err = msg.AddFilePath(opts.Path, mimetype, opts.Filename, opts.Encoding)
	} else {
		err = msg.AddFile(opts.Content, mimetype, opts.Filename, opts.Encoding)
	}
	if err != nil {
		return nil, err
	}

	if err := msg.Encode(ctx); err != nil {
		return nil, err
	}
	body, err := msg.Body()
	if err != nil {
		return nil, err
	}
	s.engine.emit(ctx, OutgoingMessage{Message: msg, Content: body})

	id := trimMessageID(msg.MessageID())
	if s.engine.outbound != nil {
		s.engine.outbound.Track(id, msg.To().ID)
		_ = s.engine.outbound.MarkSending(id)
	}

	delivery := &Delivery{MessageID: msg.MessageID(), Headers: msg.Headers(), Mic: msg.MicChecksum()}
	res, err := s.client.Send(ctx, msg)
	delivery.Result = res
	if err != nil {
		if s.engine.outbound != nil {
			_ = s.engine.outbound.RecordError(id, err)
		}
		return delivery, err
	}
	s.engine.emit(ctx, MessageSent{Message: msg, Headers: res.Headers})

	if res.Response == nil {
		if s.engine.outbound != nil && msg.To().MDNRequest == partner.MDNAsync {
			_ = s.engine.outbound.MarkAwaitingReceipt(id)
		}
		return delivery, nil
	}

	mdn := res.Response
	delivery.MDN = mdn
	s.engine.emit(ctx, MdnReceived{MDN: mdn})
	if mdn.OriginalMessageID() != id {
		s.engine.log(ctx, slog.LevelWarn, "MDN refers to another message",
			"message_id", id, "original_message_id", mdn.OriginalMessageID())
	}
	if (msg.IsSigned() || msg.IsCrypted()) && mdn.ReceivedContentMIC() != "" && mdn.ReceivedContentMIC() != msg.MicChecksum() {
		s.engine.log(ctx, slog.LevelWarn, "MDN reports a different MIC",
			"message_id", id, "mic", msg.MicChecksum(), "received_mic", mdn.ReceivedContentMIC())
	}
	if s.engine.outbound != nil {
		_ = s.engine.outbound.RecordReceipt(id, mdn.DispositionType())
	}
	return delivery, nil
}

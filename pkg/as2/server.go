package as2

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/header"
)

// Result describes how a transmission was handled
type Result struct {
	// Object is the decoded transmission, nil when decoding failed
	Object Object
	// Err is the decoding or processing error reported in the reply
	Err error
	// Reply is the MDN sent back, nil for MDNs and malformed input
	Reply *MDN
	// Async is set when the reply is posted separately
	Async bool
	// Duplicate is set when the Message-ID was seen before
	Duplicate bool
	// ReplyErr is the error writing a synchronous reply
	ReplyErr error
}

// Server processes inbound transmissions and answers messages with MDNs
type Server struct {
	engine *Engine
	client *Client
}

// Handle processes req and writes the HTTP response to w.
//
// A message always gets an MDN: processed on success, failed otherwise.
// The MDN is written to w unless the sender asked for asynchronous
// delivery, in which case w gets an empty 200 and the MDN is posted after
// the grace period. A received MDN is terminal and gets an empty 200.
func (s *Server) Handle(ctx context.Context, req *Request, w http.ResponseWriter) *Result {
	res := &Result{}
	obj, err := req.Object(ctx)
	res.Object, res.Err = obj, err

	switch o := obj.(type) {
	case *MDN:
		s.engine.log(ctx, slog.LevelInfo, "Incoming transmission is a MDN.", "message_id", req.MessageID())
		s.receiveMDN(ctx, o)
		writeEmpty(w, http.StatusOK)
		return res
	case *Malformed:
		s.engine.log(ctx, slog.LevelError, "Malformed data.", "message_id", req.MessageID(), "reason", o.Reason)
		writeEmpty(w, http.StatusBadRequest)
		return res
	}

	msg, _ := obj.(*Message)
	s.engine.log(ctx, slog.LevelInfo, "Incoming transmission is a Message.", "message_id", req.MessageID())
	res.Reply, res.Duplicate, res.Err = s.processMessage(ctx, req, msg, err)
	if res.Reply == nil {
		writeEmpty(w, http.StatusInternalServerError)
		return res
	}

	if !req.Headers().Has("Receipt-Delivery-Option") {
		res.ReplyErr = writeMDN(w, res.Reply)
		if res.ReplyErr == nil {
			s.engine.log(ctx, slog.LevelInfo, "An AS2 MDN has been sent.", "message_id", req.MessageID())
		}
		return res
	}

	res.Async = true
	delay := s.engine.asyncDelay
	if req.From().AsyncMDNDelay > 0 {
		delay = req.From().AsyncMDNDelay
	}
	writeEmpty(w, http.StatusOK)
	res.ReplyErr = s.replyAsync(ctx, res.Reply, delay)
	return res
}

func (s *Server) processMessage(ctx context.Context, req *Request, msg *Message, err error) (*MDN, bool, error) {
	var reply *MDN
	duplicate := false

	if err == nil {
		reply, duplicate, err = s.acceptMessage(ctx, msg)
	}
	if err != nil {
		s.engine.log(ctx, slog.LevelError, "AS2 message processing failed",
			"message_id", req.MessageID(), "error", err)
		reply = s.engine.NewMDNFromError(ctx, err, req.Headers().Get("AS2-From"), req.Headers().Get("AS2-To"))
		// the encoded body is kept in memory
		defer reply.Close()
		reply.SetAttribute("original-message-id", req.Headers().Raw("Message-ID"))
		reply.SetURL(req.Headers().Get("Receipt-Delivery-Option"))
		if encErr := reply.Encode(ctx, nil); encErr != nil {
			s.engine.log(ctx, slog.LevelError, "Unable to encode the failure MDN",
				"message_id", req.MessageID(), "error", encErr)
			return nil, duplicate, err
		}
	}
	return reply, duplicate, err
}

func (s *Server) acceptMessage(ctx context.Context, msg *Message) (*MDN, bool, error) {
	if err := msg.Decode(); err != nil {
		return nil, false, err
	}
	files := msg.Files()
	s.engine.log(ctx, slog.LevelInfo, fmt.Sprintf("%d payload(s) found in incoming transmission.", len(files)),
		"message_id", msg.MessageID())
	for i, f := range files {
		s.engine.log(ctx, slog.LevelInfo, fmt.Sprintf("Payload #%d : %q.", i+1, f.Filename),
			"message_id", msg.MessageID(), "mimetype", f.MimeType, "size", fileSize(f.Path))
	}

	duplicate, err := s.engine.tracker.Seen(ctx, msg.MessageID())
	if err != nil {
		s.engine.log(ctx, slog.LevelWarn, "Duplicate check failed", "message_id", msg.MessageID(), "error", err)
		duplicate = false
	}
	if duplicate {
		s.engine.log(ctx, slog.LevelWarn, "Duplicate AS2 message, payloads are not delivered again.",
			"message_id", msg.MessageID())
	}

	mdn := msg.GenerateMDN(nil)
	if err := mdn.Encode(ctx, msg); err != nil {
		if !duplicate {
			// the partner gets a failed MDN and will resend
			if ferr := s.engine.tracker.Forget(ctx, msg.MessageID()); ferr != nil {
				s.engine.log(ctx, slog.LevelWarn, "Unable to forget the message id", "message_id", msg.MessageID(), "error", ferr)
			}
		}
		return nil, duplicate, err
	}
	return mdn, duplicate, nil
}

func (s *Server) receiveMDN(ctx context.Context, mdn *MDN) {
	if err := mdn.Decode(); err != nil {
		s.engine.log(ctx, slog.LevelError, "Unable to decode the received MDN", "error", err)
		return
	}
	s.engine.emit(ctx, MdnReceived{MDN: mdn})
	if s.engine.outbound == nil {
		return
	}
	if err := s.engine.outbound.RecordReceipt(mdn.OriginalMessageID(), mdn.DispositionType()); err != nil {
		s.engine.log(ctx, slog.LevelDebug, "MDN for an untracked message",
			"original_message_id", mdn.OriginalMessageID())
	}
}

// replyAsync posts reply after delay. The body is read now since the
// request's temp files are removed when the handler returns.
func (s *Server) replyAsync(ctx context.Context, reply *MDN, delay time.Duration) error {
	if _, err := reply.Body(); err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	s.engine.pending.Add(1)
	go func() {
		defer s.engine.pending.Done()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.engine.closing:
			timer.Stop()
		}

		res, err := s.client.Send(ctx, reply)
		if err != nil {
			s.engine.log(ctx, slog.LevelError, "An error occurs while sending MDN message : "+statusText(res),
				"url", reply.URL(), "error", err)
			return
		}
		s.engine.log(ctx, slog.LevelInfo, "An AS2 MDN has been sent.", "url", reply.URL(), "status", res.StatusCode)
	}()
	return nil
}

// Reject answers a transmission that could not be wrapped in a Request,
// typically because a partner is unknown. The failed MDN is always sent
// synchronously since nothing is known about the sender.
func (s *Server) Reject(ctx context.Context, h *header.Header, err error, w http.ResponseWriter) *Result {
	s.engine.log(ctx, slog.LevelError, "AS2 request rejected", "from", h.Get("AS2-From"), "to", h.Get("AS2-To"), "error", err)

	reply := s.engine.NewMDNFromError(ctx, err, h.Get("AS2-From"), h.Get("AS2-To"))
	defer reply.Close()
	reply.SetAttribute("original-message-id", h.Raw("Message-ID"))

	res := &Result{Err: err}
	if encErr := reply.Encode(ctx, nil); encErr != nil {
		res.ReplyErr = encErr
		writeEmpty(w, http.StatusInternalServerError)
		return res
	}
	res.Reply = reply
	res.ReplyErr = writeMDN(w, reply)
	return res
}

func writeMDN(w http.ResponseWriter, mdn *MDN) error {
	body, err := mdn.Body()
	if err != nil {
		writeEmpty(w, http.StatusInternalServerError)
		return err
	}
	for _, f := range mdn.Headers().Fields() {
		w.Header().Set(f.Name, f.Value)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}

func writeEmpty(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func statusText(res *SendResult) string {
	if res == nil || res.StatusCode == 0 {
		return "no response"
	}
	return strconv.Itoa(res.StatusCode)
}

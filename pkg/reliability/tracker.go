// Package reliability detects duplicate inbound AS2 messages and tracks
// outbound messages until their receipt arrives
package reliability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// MessageState represents the state of an outbound message
type MessageState int

const (
	StateSubmitted       MessageState = iota // Message built, not yet sent
	StateSending                             // Message is being sent
	StateAwaitingReceipt                     // Sent, asynchronous MDN outstanding
	StateReceived                            // MDN received
	StateFailed                              // Send failed
)

func (s MessageState) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateSending:
		return "sending"
	case StateAwaitingReceipt:
		return "awaiting-receipt"
	case StateReceived:
		return "received"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tracker reports whether an inbound Message-ID was already seen within its
// window. Seen records the id as a side effect; Forget drops it again when
// the message could not be accepted, so a resend is not taken for a
// duplicate.
type Tracker interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Forget(ctx context.Context, messageID string) error
	Close() error
}

// MessageTracker follows outbound messages from submission to receipt
type MessageTracker struct {
	mu        sync.RWMutex
	messages  map[string]*TrackedMessage
	retention time.Duration
}

// TrackedMessage represents a tracked outbound message
type TrackedMessage struct {
	MessageID     string
	PartnerID     string
	State         MessageState
	SubmittedAt   time.Time
	LastAttemptAt time.Time
	CompletedAt   time.Time
	AttemptCount  int
	// Disposition is the Disposition field of the received MDN
	Disposition string
	Errors      []string
}

// NewMessageTracker creates a tracker; finished messages are forgotten
// after retention
func NewMessageTracker(retention time.Duration) *MessageTracker {
	return &MessageTracker{
		messages:  make(map[string]*TrackedMessage),
		retention: retention,
	}
}

// Track starts tracking a message
func (t *MessageTracker) Track(messageID, partnerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(time.Now())
	t.messages[messageID] = &TrackedMessage{
		MessageID:   messageID,
		PartnerID:   partnerID,
		State:       StateSubmitted,
		SubmittedAt: time.Now(),
	}
}

func (t *MessageTracker) update(messageID string, fn func(*TrackedMessage)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, exists := t.messages[messageID]
	if !exists {
		return fmt.Errorf("message %s not tracked", messageID)
	}
	fn(msg)
	return nil
}

// MarkSending marks a message as being sent
func (t *MessageTracker) MarkSending(messageID string) error {
	return t.update(messageID, func(msg *TrackedMessage) {
		msg.State = StateSending
		msg.LastAttemptAt = time.Now()
		msg.AttemptCount++
	})
}

// MarkAwaitingReceipt marks a message as waiting for an asynchronous MDN
func (t *MessageTracker) MarkAwaitingReceipt(messageID string) error {
	return t.update(messageID, func(msg *TrackedMessage) {
		msg.State = StateAwaitingReceipt
	})
}

// RecordReceipt records the MDN for a message
func (t *MessageTracker) RecordReceipt(messageID, disposition string) error {
	return t.update(messageID, func(msg *TrackedMessage) {
		msg.State = StateReceived
		msg.Disposition = disposition
		msg.CompletedAt = time.Now()
	})
}

// RecordError records a failed send
func (t *MessageTracker) RecordError(messageID string, err error) error {
	return t.update(messageID, func(msg *TrackedMessage) {
		msg.Errors = append(msg.Errors, err.Error())
		msg.State = StateFailed
		msg.CompletedAt = time.Now()
	})
}

// GetMessage returns a copy of a tracked message
func (t *MessageTracker) GetMessage(messageID string) (TrackedMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, exists := t.messages[messageID]
	if !exists {
		return TrackedMessage{}, false
	}
	out := *msg
	out.Errors = append([]string(nil), msg.Errors...)
	return out, true
}

// Pending returns the ids of messages still waiting for an MDN
func (t *MessageTracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, msg := range t.messages {
		if msg.State == StateAwaitingReceipt {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveMessage removes a message from tracking
func (t *MessageTracker) RemoveMessage(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.messages, messageID)
}

// prune drops finished messages older than the retention; caller holds mu
func (t *MessageTracker) prune(now time.Time) {
	if t.retention <= 0 {
		return
	}
	for id, msg := range t.messages {
		if !msg.CompletedAt.IsZero() && now.Sub(msg.CompletedAt) > t.retention {
			delete(t.messages, id)
		}
	}
}

// ComputeMessageHash computes a hash of a Message-ID for use as a storage key
func ComputeMessageHash(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Package storage provides the persistence interfaces of the AS2 server.
//
// # Interface Design
//
//   - [PartnerStore]: partner records, readable by a partner.Directory
//   - [MessageLog]: sent and received messages with their dispositions
//
// The [Store] interface combines both.
//
// # Implementations
//
// The mongodb sub-package keeps each concern in its own collection. The
// sqlstore sub-package serves SQLite, PostgreSQL and MySQL through
// database/sql.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// ErrMessageNotFound is returned when a logged message does not exist
var ErrMessageNotFound = errors.New("message not found")

// Store is the main storage interface combining all sub-stores
type Store interface {
	PartnerStore
	MessageLog

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks database connectivity
	Ping(ctx context.Context) error
}

// PartnerStore manages partner records. Get returns an error wrapping
// partner.ErrUnknownPartner for unknown ids.
type PartnerStore interface {
	partner.Provider
	partner.Lister

	// PutPartner creates or replaces a record
	PutPartner(ctx context.Context, record *partner.Record) error

	// DeletePartner removes a record
	DeletePartner(ctx context.Context, id string) error
}

// MessageLog records AS2 traffic
type MessageLog interface {
	// SaveMessage creates or replaces a message entry
	SaveMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by Message-ID
	GetMessage(ctx context.Context, id string) (*Message, error)

	// UpdateDisposition records the MDN received for an outbound message
	UpdateDisposition(ctx context.Context, id, disposition, modifier string) error

	// ListMessages returns messages, newest first
	ListMessages(ctx context.Context, filter *MessageFilter) ([]*Message, error)
}

// Direction of a logged message
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the lifecycle state of a logged message
type MessageStatus string

const (
	StatusReceived MessageStatus = "received"
	StatusSent     MessageStatus = "sent"
	// StatusProcessed and StatusFailed follow the MDN disposition
	StatusProcessed MessageStatus = "processed"
	StatusFailed    MessageStatus = "failed"
)

// Message is one logged AS2 message, without its payload content
type Message struct {
	ID        string        `bson:"_id" json:"id"`
	Direction Direction     `bson:"direction" json:"direction"`
	FromID    string        `bson:"from_id" json:"fromId"`
	ToID      string        `bson:"to_id" json:"toId"`
	Status    MessageStatus `bson:"status" json:"status"`
	Mic       string        `bson:"mic,omitempty" json:"mic,omitempty"`
	Files     []File        `bson:"files,omitempty" json:"files,omitempty"`

	Disposition string `bson:"disposition,omitempty" json:"disposition,omitempty"`
	Modifier    string `bson:"modifier,omitempty" json:"modifier,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// File describes one payload of a logged message
type File struct {
	Filename string `bson:"filename" json:"filename"`
	MimeType string `bson:"mime_type" json:"mimeType"`
	Size     int64  `bson:"size" json:"size"`
}

// MessageFilter narrows ListMessages
type MessageFilter struct {
	Direction Direction
	PartnerID string
	Status    MessageStatus
	Limit     int
	Offset    int
}

// StatusFor maps an MDN disposition type to a message status
func StatusFor(disposition string) MessageStatus {
	if disposition == string(StatusProcessed) {
		return StatusProcessed
	}
	return StatusFailed
}

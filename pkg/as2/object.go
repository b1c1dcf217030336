package as2

import "github.com/sirosfoundation/go-as2/pkg/header"

// Object is what an inbound transmission decodes to: a *Message, an *MDN or
// a *Malformed. No other types implement it.
type Object interface {
	Headers() *header.Header
	object()
}

// Malformed is a transmission that is neither a message nor an MDN
type Malformed struct {
	header *header.Header
	Reason string
}

func (*Malformed) object() {}

// Headers returns the transmission headers
func (m *Malformed) Headers() *header.Header { return m.header }

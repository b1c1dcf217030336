// Package header implements the ordered, case-insensitive header map used for
// AS2 transmission headers, MIME part headers and MDN disposition fields.
package header

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strings"
)

// Field is a single header line
type Field struct {
	Name  string
	Value string
}

// Header is an ordered mapping of header names to values.
//
// Lookups fold case; names keep the case they were stored with so that the
// serialized form matches what the caller wrote. Each name appears at most once.
type Header struct {
	fields []Field
}

// New creates a header from alternating name/value pairs
func New(pairs ...string) *Header {
	h := &Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func (h *Header) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Set stores value under name, replacing any existing value in place
func (h *Header) Set(name, value string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if i := h.index(name); i >= 0 {
		h.fields[i] = Field{Name: name, Value: value}
		return
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Get returns the value stored under name with surrounding double quotes
// removed, or "" if the name is absent.
func (h *Header) Get(name string) string {
	return strings.Trim(h.Raw(name), `"`)
}

// Raw returns the value stored under name exactly as stored
func (h *Header) Raw(name string) string {
	if h == nil {
		return ""
	}
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value
	}
	return ""
}

// Has reports whether name is present
func (h *Header) Has(name string) bool {
	return h != nil && h.index(name) >= 0
}

// Del removes name
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Len returns the number of fields
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields returns a copy of the fields in insertion order
func (h *Header) Fields() []Field {
	if h == nil {
		return nil
	}
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Merge sets every field of other on h, in other's order
func (h *Header) Merge(other *Header) {
	for _, f := range other.Fields() {
		h.Set(f.Name, f.Value)
	}
}

// Clone returns a deep copy
func (h *Header) Clone() *Header {
	return &Header{fields: h.Fields()}
}

// Formatted returns the fields as "Name: value" lines
func (h *Header) Formatted() []string {
	out := make([]string, 0, h.Len())
	for _, f := range h.Fields() {
		out = append(out, f.Name+": "+f.Value)
	}
	return out
}

// WriteTo writes the fields as a CRLF terminated header block followed by
// the empty separator line.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, line := range h.Formatted() {
		// CR and LF inside a value would start a new field
		line = strings.NewReplacer("\r", "", "\n", "").Replace(line)
		n, err := io.WriteString(w, line+"\r\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := io.WriteString(w, "\r\n")
	total += int64(n)
	return total, err
}

// Bytes returns the serialized header block including the separator line
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = h.WriteTo(&buf)
	return buf.Bytes()
}

// String returns the fields separated by newlines without the separator line
func (h *Header) String() string {
	return strings.Join(h.Formatted(), "\n")
}

// Parse reads a header block. Parsing stops at the first empty line; folded
// continuation lines are unfolded into the previous field. Lines that are not
// fields are skipped.
func Parse(block []byte) (*Header, error) {
	h := &Header{}
	var cur *Field
	flush := func() {
		if cur != nil {
			h.Set(cur.Name, strings.TrimSpace(cur.Value))
			cur = nil
		}
	}

	for _, raw := range bytes.Split(block, []byte("\n")) {
		line := strings.TrimSuffix(string(raw), "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if cur == nil {
				return nil, fmt.Errorf("continuation line without field: %q", line)
			}
			cur.Value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		cur = &Field{Name: strings.TrimSpace(name), Value: value}
	}
	flush()

	return h, nil
}

// Split separates a MIME entity into its header block and body. The body
// starts after the first empty line (CRLF or LF terminated). An entity with no
// empty line is all header.
func Split(entity []byte) (head, body []byte) {
	crlf := bytes.Index(entity, []byte("\r\n\r\n"))
	lf := bytes.Index(entity, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return entity[:crlf+2], entity[crlf+4:]
	case lf >= 0:
		return entity[:lf+1], entity[lf+2:]
	}
	return entity, nil
}

// FromMessage parses the header block that opens a MIME entity and returns
// it together with the remaining body.
func FromMessage(entity []byte) (*Header, []byte, error) {
	head, body := Split(entity)
	h, err := Parse(head)
	if err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

// FromMIME converts a textproto/net/http style header into a Header. Names
// are canonicalized since those maps do not retain the wire case.
func FromMIME(m textproto.MIMEHeader) *Header {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	h := &Header{}
	for _, name := range names {
		if values := m[name]; len(values) > 0 {
			h.Set(textproto.CanonicalMIMEHeaderKey(name), strings.Join(values, ", "))
		}
	}
	return h
}

// MediaType returns the media type of the Content-Type field, lowercased and
// without parameters.
func (h *Header) MediaType() string {
	mt, _, _ := strings.Cut(h.Raw("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

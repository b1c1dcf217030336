package as2

import (
	"context"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// Transmission is anything the Client can post: a *Message or an *MDN
type Transmission interface {
	URL() string
	Headers() *header.Header
	Body() ([]byte, error)
	Credentials() partner.Credentials
	InsecureSkipVerify() bool
}

// SendResult describes a completed send
type SendResult struct {
	Request    *transport.Request
	StatusCode int
	// Headers are those of the final response, Hops those of every response
	Headers *header.Header
	Hops    []*header.Header
	// Response is the synchronous MDN, when one was requested
	Response *MDN
}

// Client posts messages and MDNs to partners
type Client struct {
	engine *Engine
}

// Send posts t. For a message to a partner answering synchronously the
// response body is read back as an MDN and decoded.
func (c *Client) Send(ctx context.Context, t Transmission) (*SendResult, error) {
	body, err := t.Body()
	if err != nil {
		return nil, StructureError(err, "Unable to read the transmission body.")
	}
	if t.URL() == "" {
		return nil, ConfigurationError(nil, "No URL to send the transmission to.")
	}

	req := &transport.Request{
		URL:                t.URL(),
		Header:             t.Headers(),
		Body:               body,
		Credentials:        t.Credentials(),
		InsecureSkipVerify: t.InsecureSkipVerify(),
	}
	res := &SendResult{Request: req, Headers: header.New()}

	resp, err := c.engine.transport.Post(ctx, req)
	if resp != nil {
		res.StatusCode = resp.StatusCode
		res.Hops = resp.Hops
		res.Headers = resp.Header()
	}
	if err != nil {
		return res, TransportError(err, "Unable to send to %s", req.URL)
	}

	msg, ok := t.(*Message)
	if !ok || msg.To().MDNRequest != partner.MDNSync {
		return res, nil
	}

	mdn, err := c.readMDN(ctx, resp.Body, res.Headers)
	if err != nil {
		return res, err
	}
	res.Response = mdn
	return res, nil
}

// readMDN decodes a synchronous MDN from a response
func (c *Client) readMDN(ctx context.Context, body []byte, h *header.Header) (*MDN, error) {
	req, err := c.engine.NewRequest(ctx, body, h)
	if err != nil {
		return nil, err
	}
	defer req.Close()

	obj, err := req.Object(ctx)
	if err != nil {
		return nil, err
	}
	mdn, ok := obj.(*MDN)
	if !ok {
		return nil, StructureError(nil, "The response is not an AS2 MDN.")
	}
	if err := mdn.Decode(); err != nil {
		return nil, err
	}
	return mdn, nil
}

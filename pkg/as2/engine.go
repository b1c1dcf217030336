package as2

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/reliability"
	"github.com/sirosfoundation/go-as2/pkg/security"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// Defaults
const (
	DefaultAsyncMDNDelay = 5 * time.Second
	DefaultReportingUA   = "go-as2"
)

// Config wires the engine to its collaborators. Only Directory is required.
type Config struct {
	Directory *partner.Directory
	TempStore *security.TempStore
	Transport *transport.Client
	// Events receives notifications; nil logs them through Logger
	Events EventSink
	Logger *slog.Logger

	// Tracker detects duplicate inbound Message-IDs
	Tracker reliability.Tracker
	// Outbound tracks the state of sent messages until their MDN arrives
	Outbound *reliability.MessageTracker

	CertificateValidator security.CertificateValidator

	// AsyncMDNDelay is the grace period before an async MDN is posted
	AsyncMDNDelay time.Duration
	ReportingUA   string
	UserAgent     string
	// Hostname is used in generated Message-IDs; empty means os.Hostname()
	Hostname string
}

// Engine builds and processes AS2 messages and MDNs. It holds no per
// transmission state and is safe for concurrent use.
type Engine struct {
	directory *partner.Directory
	temp      *security.TempStore
	transport *transport.Client
	events    EventSink
	logger    *slog.Logger
	tracker   reliability.Tracker
	outbound  *reliability.MessageTracker
	validator security.CertificateValidator

	asyncDelay  time.Duration
	reportingUA string
	userAgent   string
	hostname    string

	pending   sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// NewEngine creates an engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Directory == nil {
		return nil, errors.New("partner directory is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "as2")

	e := &Engine{
		directory:   cfg.Directory,
		temp:        cfg.TempStore,
		transport:   cfg.Transport,
		events:      cfg.Events,
		logger:      logger,
		tracker:     cfg.Tracker,
		outbound:    cfg.Outbound,
		validator:   cfg.CertificateValidator,
		asyncDelay:  cfg.AsyncMDNDelay,
		reportingUA: cfg.ReportingUA,
		userAgent:   cfg.UserAgent,
		hostname:    cfg.Hostname,
		closing:     make(chan struct{}),
	}

	if e.temp == nil {
		temp, err := security.NewTempStore("", logger)
		if err != nil {
			return nil, err
		}
		e.temp = temp
	}
	if e.transport == nil {
		e.transport = transport.NewClient(nil, logger)
	}
	if e.events == nil {
		e.events = NewLogSink(logger)
	}
	if e.tracker == nil {
		e.tracker = reliability.NopTracker{}
	}
	if e.asyncDelay <= 0 {
		e.asyncDelay = DefaultAsyncMDNDelay
	}
	if e.reportingUA == "" {
		e.reportingUA = DefaultReportingUA
	}
	if e.userAgent == "" {
		e.userAgent = transport.DefaultUserAgent
	}
	if e.hostname == "" {
		if h, err := os.Hostname(); err == nil {
			e.hostname = h
		} else {
			e.hostname = "localhost"
		}
	}
	return e, nil
}

// Directory returns the partner directory
func (e *Engine) Directory() *partner.Directory {
	return e.directory
}

// Client returns a client sending through the engine's transport
func (e *Engine) Client() *Client {
	return &Client{engine: e}
}

// Server returns a server processing requests with the engine
func (e *Engine) Server() *Server {
	return &Server{engine: e, client: e.Client()}
}

// Close skips the grace period of pending async MDNs, waits until they are
// sent and deletes leftover temp files
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closing) })
	e.pending.Wait()
	_, err := e.temp.Sweep(0)
	return err
}

// Wait blocks until every pending async MDN has been sent
func (e *Engine) Wait() {
	e.pending.Wait()
}

func (e *Engine) partner(ctx context.Context, id, role string) (*partner.Partner, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ConfigurationError(partner.ErrUnknownPartner, "AS2 %s is not set", role)
	}
	p, err := e.directory.Get(ctx, id)
	if err != nil {
		return nil, ConfigurationError(err, "Unknown AS2 %s %q", role, id)
	}
	return p, nil
}

func (e *Engine) adapter(from, to *partner.Partner, scope *security.Scope) *security.Adapter {
	var opts []security.AdapterOption
	if e.validator != nil {
		opts = append(opts, security.WithCertificateValidator(e.validator))
	}
	return security.NewAdapter(from, to, scope, opts...)
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	e.events.Handle(ctx, ev)
}

func (e *Engine) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	e.emit(ctx, LogEvent{Level: level, Message: msg, Attrs: attrs})
}

// NewMessage creates an empty outbound message between two partners
func (e *Engine) NewMessage(ctx context.Context, fromID, toID string) (*Message, error) {
	from, err := e.partner(ctx, fromID, "sender")
	if err != nil {
		return nil, err
	}
	to, err := e.partner(ctx, toID, "receiver")
	if err != nil {
		return nil, err
	}
	return &Message{
		engine:  e,
		scope:   e.temp.Scope(),
		owner:   true,
		id:      NewMessageID(from.ID, e.hostname),
		from:    from,
		to:      to,
		headers: header.New(),
	}, nil
}

// NewMDNFromError creates a failed MDN for a transmission that could not be
// processed. fromID and toID are the AS2-From and AS2-To of that
// transmission; the MDN travels the other way.
func (e *Engine) NewMDNFromError(ctx context.Context, err error, fromID, toID string) *MDN {
	m := e.newMDN(nil, nil, nil)
	m.fromID, m.toID = strings.TrimSpace(toID), strings.TrimSpace(fromID)
	if p, perr := e.directory.Get(ctx, m.fromID); perr == nil {
		m.from = p
	}
	if p, perr := e.directory.Get(ctx, m.toID); perr == nil {
		m.to = p
	}
	m.fail(err)
	return m
}

func (e *Engine) newMDN(scope *security.Scope, from, to *partner.Partner) *MDN {
	owner := false
	if scope == nil {
		scope, owner = e.temp.Scope(), true
	}
	m := &MDN{
		engine:     e,
		scope:      scope,
		owner:      owner,
		from:       from,
		to:         to,
		attributes: newAttributes(),
		headers:    header.New(),
	}
	if from != nil {
		m.fromID = from.ID
	}
	if to != nil {
		m.toID = to.ID
	}
	return m
}

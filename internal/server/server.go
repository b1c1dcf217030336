// Package server provides the HTTP front end of the AS2 service.
//
// # AS2 Endpoint
//
// POST {basePath} - Receives inbound AS2 messages and MDNs. The response
// is the synchronous MDN, or an empty 200 when the sender asked for an
// asynchronous one. Authentication is the AS2 message-level security of
// the sending partner.
//
// # Admin API
//
// Requests carry either the configured X-Admin-Key header or, when OAuth2
// is configured, a bearer token from the issuer.
//
//   - GET /api/partners           - List partners
//   - GET /api/partners/{id}      - Get partner details
//   - GET /api/messages           - List logged messages
//   - GET /api/messages/{id}      - Get a logged message
//
// The message endpoints need a database partner source, which also holds
// the message log.
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe, pings the database when there is one
//   - GET /metrics - Prometheus metrics (if enabled)
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sirosfoundation/go-as2/internal/auth"
	"github.com/sirosfoundation/go-as2/internal/config"
	"github.com/sirosfoundation/go-as2/internal/metrics"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// Options are the collaborators of the server
type Options struct {
	Service *as2.Service
	// Store is nil when partners come from a file
	Store storage.Store
	// Metrics is nil when metrics are disabled
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the AS2 HTTP server
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	httpSrv *http.Server
	service *as2.Service
	store   storage.Store
	metrics *metrics.Metrics
	auth    *auth.Authenticator
}

// New creates a new AS2 server
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("server: an AS2 service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		logger:  logger.With("component", "server"),
		service: opts.Service,
		store:   opts.Store,
		metrics: opts.Metrics,
		auth:    auth.NewAuthenticator(&cfg.Server.OAuth2, logger),
	}

	// Set up HTTP routes
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Server.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		s.httpSrv.TLSConfig = transport.ServerTLSConfig(cert)
	}

	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting server", "addr", addr, "tls", s.config.Server.TLS.Enabled, "path", s.basePath())
	if s.config.Server.TLS.Enabled {
		// certificates are already in TLSConfig
		return s.httpSrv.ListenAndServeTLS("", "")
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server and waits for pending async MDNs.
// The store is left open for its owner to close.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.service.Engine().Close(); err != nil {
		s.logger.Warn("engine cleanup failed", "error", err)
	}
	return nil
}

func (s *Server) basePath() string {
	basePath := strings.TrimSuffix(s.config.Server.BasePath, "/")
	if basePath == "" {
		basePath = "/as2"
	}
	return basePath
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// AS2 endpoint (no admin key - uses AS2 security)
	mux.HandleFunc("POST "+s.basePath(), s.handleAS2Inbound)

	// Admin API
	mux.HandleFunc("GET /api/partners", s.withAdmin(s.handleListPartners))
	mux.HandleFunc("GET /api/partners/{partnerID}", s.withAdmin(s.handleGetPartner))
	mux.HandleFunc("GET /api/messages", s.withAdmin(s.handleListMessages))
	mux.HandleFunc("GET /api/messages/{messageID}", s.withAdmin(s.handleGetMessage))

	if s.metrics != nil && s.config.Metrics.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Metrics.Path, s.metrics.Handler())
	}
}

// Middleware

// withAdmin checks the admin API key or bearer token. With neither an
// admin key nor OAuth2 configured the admin API is disabled.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if key := s.config.Server.AdminKey; key != "" {
			apiKey := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				next(w, r)
				return
			}
		}
		if s.auth.IsEnabled() {
			claims, err := s.auth.ValidateRequest(r)
			if err == nil {
				next(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
				return
			}
			s.logger.Debug("admin token rejected", "error", err)
		}
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.jsonError(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// AS2 handlers

func (s *Server) handleAS2Inbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.logger.Info("received AS2 transmission",
		"from", r.Header.Get("AS2-From"),
		"to", r.Header.Get("AS2-To"),
		"content-type", r.Header.Get("Content-Type"),
		"content-length", r.ContentLength,
	)

	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxMessageSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.logger.Error("failed to read AS2 transmission", "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	h := header.FromMIME(textproto.MIMEHeader(r.Header))
	res := s.service.HandleRequest(r.Context(), body, h, w)
	if s.metrics != nil {
		s.metrics.ObserveResult(res, time.Since(start))
	}

	attrs := []any{"message_id", strings.Trim(h.Get("Message-ID"), "<>"), "duration", time.Since(start)}
	if res.Reply != nil {
		attrs = append(attrs, "disposition", res.Reply.DispositionType(), "async", res.Async)
	}
	if res.ReplyErr != nil {
		s.logger.Error("failed to reply to AS2 transmission", append(attrs, "error", res.ReplyErr)...)
		return
	}
	if res.Err != nil {
		s.logger.Warn("AS2 transmission failed", append(attrs, "error", res.Err)...)
		return
	}
	s.logger.Info("AS2 transmission processed", attrs...)
}

// Admin handlers

// partnerSummary is the public view of a partner; credentials and key
// material are left out
type partnerSummary struct {
	ID                  string `json:"id"`
	Name                string `json:"name,omitempty"`
	Email               string `json:"email,omitempty"`
	IsLocal             bool   `json:"isLocal"`
	SendURL             string `json:"sendUrl,omitempty"`
	MDNURL              string `json:"mdnUrl,omitempty"`
	SignatureAlgorithm  string `json:"signatureAlgorithm"`
	EncryptionAlgorithm string `json:"encryptionAlgorithm"`
	SendCompress        bool   `json:"sendCompress"`
	MDNRequest          string `json:"mdnRequest"`
	MDNSigned           bool   `json:"mdnSigned"`
	HasPrivateKey       bool   `json:"hasPrivateKey"`
	CertificateSubject  string `json:"certificateSubject,omitempty"`
	CertificateExpiry   string `json:"certificateExpiry,omitempty"`
}

func summarize(p *partner.Partner) partnerSummary {
	sum := partnerSummary{
		ID:                  p.ID,
		Name:                p.Name,
		Email:               p.Email,
		IsLocal:             p.IsLocal,
		SendURL:             p.SendURL,
		MDNURL:              p.MDNURL,
		SignatureAlgorithm:  string(p.SignatureAlgorithm),
		EncryptionAlgorithm: string(p.EncryptionAlgorithm),
		SendCompress:        p.SendCompress,
		MDNRequest:          string(p.MDNRequest),
		MDNSigned:           p.MDNSigned,
		HasPrivateKey:       p.HasPrivateKey(),
	}
	if cert := p.Certificate(); cert != nil {
		sum.CertificateSubject = cert.Subject.String()
		sum.CertificateExpiry = cert.NotAfter.UTC().Format(time.RFC3339)
	}
	return sum
}

func (s *Server) handleListPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := s.service.Engine().Directory().List(r.Context())
	if err != nil {
		s.logger.Error("failed to list partners", "error", err)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]partnerSummary, 0, len(partners))
	for _, p := range partners {
		out = append(out, summarize(p))
	}
	s.jsonResponse(w, out, http.StatusOK)
}

func (s *Server) handleGetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Engine().Directory().Get(r.Context(), r.PathValue("partnerID"))
	if errors.Is(err, partner.ErrUnknownPartner) {
		s.jsonError(w, "partner not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, summarize(p), http.StatusOK)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.jsonError(w, "message log not configured", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	filter := &storage.MessageFilter{
		Direction: storage.Direction(q.Get("direction")),
		PartnerID: q.Get("partner"),
		Status:    storage.MessageStatus(q.Get("status")),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	messages, err := s.store.ListMessages(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list messages", "error", err)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*storage.Message{}
	}
	s.jsonResponse(w, messages, http.StatusOK)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.jsonError(w, "message log not configured", http.StatusNotFound)
		return
	}
	msg, err := s.store.GetMessage(r.Context(), r.PathValue("messageID"))
	if errors.Is(err, storage.ErrMessageNotFound) {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, msg, http.StatusOK)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}

// Package sender delivers files dropped in an outbox directory.
//
// The Sender runs as a background worker that polls the outbox and sends
// every file it finds to a trading partner through the AS2 service.
//
// # Directory Layout
//
// The outbox holds one subdirectory per receiving partner, named by its AS2
// identifier:
//
//	outbox/GLOBEX/po-12345.edi   sent from the local id to GLOBEX
//
// Files are moved to sentDir/<partner>/ once the partner accepted them and
// to failedDir/<partner>/ when they cannot be delivered, together with a
// .error file holding the reason. Hidden files and names ending in .tmp or
// .part are skipped, so writers should rename complete files into place.
//
// # Retry Policy
//
// Transport failures are retried with exponential backoff. After MaxRetries
// attempts the file is moved to the failed directory. Failures that a retry
// cannot fix (unknown partner, a failed MDN disposition) fail the file at
// once. Retry state is kept in memory, so a restart retries immediately.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/mime"
)

// Deliverer sends one message; *as2.Service implements it
type Deliverer interface {
	SendMessage(ctx context.Context, opts as2.SendOptions) (*as2.Delivery, error)
}

// Config holds sender configuration
type Config struct {
	// Dir is the outbox root
	Dir       string
	SentDir   string
	FailedDir string

	PollInterval    time.Duration
	BatchSize       int
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      5,
		InitialBackoff:  time.Minute,
		MaxBackoff:      time.Hour,
		BackoffMultiple: 2.0,
	}
}

type retryState struct {
	count   int
	next    time.Time
	lastErr error
}

// Sender handles background delivery of outbox files
type Sender struct {
	service Deliverer
	from    string
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	retries map[string]*retryState

	// Control
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sender for messages from the local partner from
func New(service Deliverer, from string, cfg *Config, logger *slog.Logger) (*Sender, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("sender: an outbox directory is required")
	}
	if from == "" {
		return nil, errors.New("sender: a local AS2 id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := *cfg
	def := DefaultConfig()
	if c.SentDir == "" {
		c.SentDir = filepath.Join(filepath.Dir(c.Dir), "sent")
	}
	if c.FailedDir == "" {
		c.FailedDir = filepath.Join(filepath.Dir(c.Dir), "failed")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiple < 1 {
		c.BackoffMultiple = def.BackoffMultiple
	}
	for _, dir := range []string{c.Dir, c.SentDir, c.FailedDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sender: %w", err)
		}
	}

	return &Sender{
		service: service,
		from:    from,
		cfg:     c,
		logger:  logger.With("component", "sender"),
		now:     time.Now,
		retries: make(map[string]*retryState),
	}, nil
}

// Start begins background outbox processing
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("sender started", "outbox", s.cfg.Dir, "poll_interval", s.cfg.PollInterval)
}

// Stop gracefully stops the sender, letting an in-flight send finish
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type outboxFile struct {
	partner string
	name    string
	path    string
}

// Poll runs one pass over the outbox and returns the number of files the
// partners accepted
func (s *Sender) Poll(ctx context.Context) int {
	files, err := s.pending()
	if err != nil {
		s.logger.Error("failed to read outbox", "dir", s.cfg.Dir, "error", err)
		return 0
	}

	sent := 0
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if s.sendFile(ctx, f) {
			sent++
		}
	}
	return sent
}

// pending lists up to BatchSize files that are due, ordered by partner
// and name
func (s *Sender) pending() ([]outboxFile, error) {
	partners, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []outboxFile
	for _, p := range partners {
		if !p.IsDir() || skipped(p.Name()) {
			continue
		}
		dir := filepath.Join(s.cfg.Dir, p.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("failed to read partner outbox", "dir", dir, "error", err)
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if !e.Type().IsRegular() || skipped(e.Name()) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if !s.due(path, now) {
				continue
			}
			out = append(out, outboxFile{partner: p.Name(), name: e.Name(), path: path})
			if len(out) == s.cfg.BatchSize {
				return out, nil
			}
		}
	}
	return out, nil
}

func skipped(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part")
}

func (s *Sender) due(path string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retries[path]
	return !ok || !now.Before(st.next)
}

func (s *Sender) sendFile(ctx context.Context, f outboxFile) bool {
	log := s.logger.With("to", f.partner, "file", f.name)

	// unknown extensions go out as the default EDI type
	mimetype := mime.DetectMimeType(f.name, nil)
	if mimetype == mime.ContentTypeOctetStream {
		mimetype = ""
	}

	delivery, err := s.service.SendMessage(ctx, as2.SendOptions{
		From:     s.from,
		To:       f.partner,
		Path:     f.path,
		MimeType: mimetype,
		Filename: f.name,
	})
	if err != nil {
		if retryable(err) {
			s.scheduleRetry(f, err)
		} else {
			s.markFailed(f, err.Error())
		}
		return false
	}

	if mdn := delivery.MDN; mdn != nil {
		defer mdn.Close()
		if mdn.DispositionType() != as2.DispositionProcessed {
			s.markFailed(f, fmt.Sprintf("partner answered %s: %s (%s)",
				mdn.DispositionType(), mdn.DispositionModifier(), delivery.MessageID))
			return false
		}
	}

	s.forget(f.path)
	if _, err := moveFile(f.path, filepath.Join(s.cfg.SentDir, f.partner), f.name); err != nil {
		// the file would be sent again on the next pass
		log.Error("failed to move sent file", "error", err)
	}
	log.Info("file sent", "message_id", delivery.MessageID, "async_mdn", delivery.MDN == nil)
	return true
}

// retryable reports whether a later attempt may succeed: transport
// failures and errors outside the AS2 taxonomy
func retryable(err error) bool {
	var pe *as2.Error
	if errors.As(err, &pe) {
		return pe.Kind == as2.KindTransport
	}
	return true
}

func (s *Sender) scheduleRetry(f outboxFile, sendErr error) {
	s.mu.Lock()
	st, ok := s.retries[f.path]
	if !ok {
		st = &retryState{}
		s.retries[f.path] = st
	}
	st.count++
	st.lastErr = sendErr
	count := st.count
	s.mu.Unlock()

	if count >= s.cfg.MaxRetries {
		s.markFailed(f, fmt.Sprintf("max retries exceeded: %v", sendErr))
		return
	}

	// Calculate next retry time with exponential backoff
	backoff := s.cfg.InitialBackoff
	for i := 1; i < count; i++ {
		backoff = time.Duration(float64(backoff) * s.cfg.BackoffMultiple)
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
			break
		}
	}
	next := s.now().Add(backoff)

	s.mu.Lock()
	st.next = next
	s.mu.Unlock()

	s.logger.Info("file scheduled for retry",
		"to", f.partner,
		"file", f.name,
		"retry_count", count,
		"next_retry", next,
		"error", sendErr,
	)
}

func (s *Sender) markFailed(f outboxFile, reason string) {
	s.forget(f.path)

	dir := filepath.Join(s.cfg.FailedDir, f.partner)
	dest, err := moveFile(f.path, dir, f.name)
	if err != nil {
		s.logger.Error("failed to move failed file", "file", f.path, "error", err)
		return
	}
	if err := os.WriteFile(dest+".error", []byte(reason+"\n"), 0o640); err != nil {
		s.logger.Warn("failed to write error file", "file", dest, "error", err)
	}
	s.logger.Warn("file marked as failed", "to", f.partner, "file", f.name, "reason", reason)
}

func (s *Sender) forget(path string) {
	s.mu.Lock()
	delete(s.retries, path)
	s.mu.Unlock()
}

// moveFile renames src into dir, adding a timestamp when name is taken
func moveFile(src, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	return dest, os.Rename(src, dest)
}

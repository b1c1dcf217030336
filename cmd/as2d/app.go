package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirosfoundation/go-as2/internal/config"
	"github.com/sirosfoundation/go-as2/internal/metrics"
	"github.com/sirosfoundation/go-as2/internal/storage"
	"github.com/sirosfoundation/go-as2/internal/storage/mongodb"
	"github.com/sirosfoundation/go-as2/internal/storage/sqlstore"
	"github.com/sirosfoundation/go-as2/pkg/as2"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/reliability"
	"github.com/sirosfoundation/go-as2/pkg/security"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// app holds everything built from the configuration
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store // nil for the file source
	tracker reliability.Tracker
	temp    *security.TempStore
	metrics *metrics.Metrics
	service *as2.Service
}

type appOptions struct {
	// Metrics enables the Prometheus sink
	Metrics bool
	// Outbound tracks sent messages until their MDN arrives
	Outbound bool
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens the database partner source; it returns nil for the
// file source
func openStore(ctx context.Context, cfg config.PartnersConfig) (storage.Store, error) {
	switch cfg.Source {
	case config.SourceFile:
		return nil, nil
	case config.SourceSQLite, config.SourcePostgres, config.SourceMySQL:
		s, err := sqlstore.Open(ctx, &sqlstore.Config{Dialect: cfg.Source, DSN: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.SourceMongoDB:
		s, err := mongodb.NewStore(ctx, &mongodb.Config{URI: cfg.URI, Database: cfg.Database, Collection: cfg.Collection})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown partner source %q", cfg.Source)
	}
}

func openTracker(ctx context.Context, cfg config.DedupeConfig) (reliability.Tracker, error) {
	switch cfg.Backend {
	case config.DedupeRedis:
		return reliability.NewRedisTracker(ctx, reliability.RedisConfig{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, cfg.Window)
	case config.DedupeNone:
		return reliability.NopTracker{}, nil
	default:
		return reliability.NewMemoryTracker(cfg.Window), nil
	}
}

func certificateValidator(cfg config.AS2Config) (security.CertificateValidator, error) {
	var roots *x509.CertPool
	if cfg.TrustRoots != "" {
		pem, err := os.ReadFile(cfg.TrustRoots)
		if err != nil {
			return nil, fmt.Errorf("reading trust roots: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TrustRoots)
		}
	}
	var v security.CertificateValidator = security.NewDefaultCertificateValidator(roots)
	if cfg.CheckRevocation {
		v = security.NewRevocationAwareCertValidator(v, security.NewOCSPRevocationChecker(security.DefaultOCSPConfig()))
	}
	return v, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	var provider partner.Provider
	if cfg.Partners.Source == config.SourceFile {
		fp, err := partner.NewFileProvider(cfg.Partners.Path)
		if err != nil {
			return nil, err
		}
		provider = fp
	} else {
		if a.store, err = openStore(ctx, cfg.Partners); err != nil {
			return nil, fmt.Errorf("opening partner store: %w", err)
		}
		provider = a.store
	}

	if a.tracker, err = openTracker(ctx, cfg.Dedupe); err != nil {
		return nil, err
	}
	if a.temp, err = security.NewTempStore(cfg.TempDir(), logger); err != nil {
		return nil, err
	}
	validator, err := certificateValidator(cfg.AS2)
	if err != nil {
		return nil, err
	}

	events := as2.MultiSink{as2.NewLogSink(logger)}
	if opts.Metrics {
		a.metrics = metrics.New()
		events = append(events, a.metrics)
	}
	if a.store != nil {
		events = append(events, storage.NewJournal(a.store, logger))
	}

	engineCfg := as2.Config{
		Directory:            partner.NewDirectory(provider, logger),
		TempStore:            a.temp,
		Transport:            transport.NewClient(cfg.TransportConfig(), logger),
		Events:               events,
		Logger:               logger,
		Tracker:              a.tracker,
		CertificateValidator: validator,
		AsyncMDNDelay:        cfg.AS2.AsyncMDNDelay,
		ReportingUA:          cfg.AS2.ReportingUA,
		UserAgent:            cfg.AS2.UserAgent,
		Hostname:             cfg.AS2.Hostname,
	}
	if opts.Outbound {
		engineCfg.Outbound = reliability.NewMessageTracker(cfg.Dedupe.Window)
	}
	engine, err := as2.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	a.service = as2.NewService(engine)
	return a, nil
}

// partnerStore returns the writable partner store, if any
func (a *app) partnerStore() (storage.PartnerStore, error) {
	if a.store == nil {
		return nil, errors.New("partners come from a file; edit it directly")
	}
	return a.store, nil
}

// Close releases everything the app opened. The engine is closed first so
// pending async MDNs are still journaled.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		errs = append(errs, a.service.Engine().Close())
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close(ctx))
	}
	return errors.Join(errs...)
}

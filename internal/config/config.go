// Package config handles configuration loading for the AS2 server.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials and PKCS#12 passwords to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP server settings (port, TLS, base path, admin authentication)
//   - as2: Engine settings (temp directory, async MDN delay, user agent)
//   - client: Outbound HTTP settings (timeout, redirects, circuit breaker)
//   - partners: Where partner records come from (file, SQL or MongoDB)
//   - dedupe: Duplicate Message-ID detection (memory or Redis)
//   - outbox: Directory poller that sends dropped files to partners
//   - observability: Metrics endpoint
//   - logging: Log level and format
//
// # Example Configuration
//
//	server:
//	  port: 8080
//	  basePath: /as2
//	  tls:
//	    enabled: true
//	    certFile: /etc/ssl/server.crt
//	    keyFile: /etc/ssl/server.key
//
//	as2:
//	  localId: MYCOMPANY
//	  asyncMdnDelay: 5s
//	  checkRevocation: true
//
//	partners:
//	  source: postgres
//	  dsn: ${PARTNERS_DSN}
//
//	dedupe:
//	  backend: redis
//	  window: 24h
//	  redis:
//	    address: localhost:6379
//
//	outbox:
//	  enabled: true
//	  dir: /var/lib/as2/outbox
//	  pollInterval: 30s
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-as2/internal/sender"
	"github.com/sirosfoundation/go-as2/pkg/transport"
)

// Partner sources
const (
	SourceFile     = "file"
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
	SourceMySQL    = "mysql"
	SourceMongoDB  = "mongodb"
)

// Dedupe backends
const (
	DedupeMemory = "memory"
	DedupeRedis  = "redis"
	DedupeNone   = "none"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	AS2      AS2Config      `yaml:"as2"`
	Client   ClientConfig   `yaml:"client"`
	Partners PartnersConfig `yaml:"partners"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Metrics  MetricsConfig  `yaml:"observability"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"basePath"`
	AdminKey string `yaml:"adminKey"` // API key for the admin endpoints
	// MaxMessageSize bounds inbound request bodies, in bytes
	MaxMessageSize int64 `yaml:"maxMessageSize"`
	TLS            struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
	OAuth2 OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config enables bearer tokens on the admin API
type OAuth2Config struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	JWKSURL  string `yaml:"jwksUrl"`
	// Scope must appear in the token's scope claim when set
	Scope string `yaml:"scope"`
	// CacheTTL is how long fetched signing keys are trusted
	CacheTTL time.Duration `yaml:"cacheTtl"`
}

// AS2Config holds engine settings
type AS2Config struct {
	// LocalID is the default AS2-From for messages sent from the CLI
	LocalID       string        `yaml:"localId"`
	TempDir       string        `yaml:"tempDir"`
	AsyncMDNDelay time.Duration `yaml:"asyncMdnDelay"`
	UserAgent     string        `yaml:"userAgent"`
	ReportingUA   string        `yaml:"reportingUa"`
	Hostname      string        `yaml:"hostname"`
	// TrustRoots is a PEM bundle partner certificates must chain to
	TrustRoots string `yaml:"trustRoots"`
	// CheckRevocation queries OCSP responders and CRLs of partner certificates
	CheckRevocation bool `yaml:"checkRevocation"`
}

// ClientConfig holds outbound HTTP settings
type ClientConfig struct {
	Timeout            time.Duration           `yaml:"timeout"`
	MaxRedirects       int                     `yaml:"maxRedirects"`
	InsecureSkipVerify bool                    `yaml:"insecureSkipVerify"`
	CircuitBreaker     transport.BreakerConfig `yaml:"circuitBreaker"`
}

// PartnersConfig selects the partner store
type PartnersConfig struct {
	// Source is one of file, sqlite, postgres, mysql or mongodb
	Source string `yaml:"source"`
	// Path of the YAML partners file
	Path string `yaml:"path"`
	// DSN for the SQL sources
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
	// MongoDB settings
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// DedupeConfig holds duplicate detection settings
type DedupeConfig struct {
	Backend string        `yaml:"backend"`
	Window  time.Duration `yaml:"window"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// OutboxConfig holds the outbox poller settings. Zero values take the
// sender defaults.
type OutboxConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Dir             string        `yaml:"dir"`
	SentDir         string        `yaml:"sentDir"`
	FailedDir       string        `yaml:"failedDir"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	BatchSize       int           `yaml:"batchSize"`
	MaxRetries      int           `yaml:"maxRetries"`
	InitialBackoff  time.Duration `yaml:"initialBackoff"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	BackoffMultiple float64       `yaml:"backoffMultiple"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// LoggingConfig selects the log level and handler
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// TempDir returns as2.tempDir, or a directory of the system temp dir named
// after the listen port. Instances on one host never share the default, so
// the startup sweep only sees files of this instance.
func (c *Config) TempDir() string {
	if c.AS2.TempDir != "" {
		return c.AS2.TempDir
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("as2d-%d", c.Server.Port))
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// TransportConfig returns the outbound HTTP client settings
func (c *Config) TransportConfig() *transport.Config {
	tc := transport.DefaultConfig()
	tc.Timeout = c.Client.Timeout
	tc.MaxRedirects = c.Client.MaxRedirects
	tc.InsecureSkipVerify = c.Client.InsecureSkipVerify
	tc.CircuitBreaker = c.Client.CircuitBreaker
	if c.AS2.UserAgent != "" {
		tc.UserAgent = c.AS2.UserAgent
	}
	return tc
}

// SenderConfig returns the outbox poller settings
func (c *Config) SenderConfig() *sender.Config {
	o := c.Outbox
	return &sender.Config{
		Dir:             o.Dir,
		SentDir:         o.SentDir,
		FailedDir:       o.FailedDir,
		PollInterval:    o.PollInterval,
		BatchSize:       o.BatchSize,
		MaxRetries:      o.MaxRetries,
		InitialBackoff:  o.InitialBackoff,
		MaxBackoff:      o.MaxBackoff,
		BackoffMultiple: o.BackoffMultiple,
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/as2"
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 100 << 20
	}
	if c.Server.OAuth2.CacheTTL == 0 {
		c.Server.OAuth2.CacheTTL = time.Hour
	}
	if c.AS2.AsyncMDNDelay == 0 {
		c.AS2.AsyncMDNDelay = 5 * time.Second
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 30 * time.Second
	}
	if c.Client.MaxRedirects == 0 {
		c.Client.MaxRedirects = 10
	}
	if c.Client.CircuitBreaker.Enabled {
		if c.Client.CircuitBreaker.MaxFailures == 0 {
			c.Client.CircuitBreaker.MaxFailures = 5
		}
		if c.Client.CircuitBreaker.OpenTimeout == 0 {
			c.Client.CircuitBreaker.OpenTimeout = time.Minute
		}
	}
	if c.Partners.Source == "" {
		c.Partners.Source = SourceFile
	}
	if c.Partners.Table == "" {
		c.Partners.Table = "partners"
	}
	if c.Partners.Database == "" {
		c.Partners.Database = "as2"
	}
	if c.Partners.Collection == "" {
		c.Partners.Collection = "partners"
	}
	if c.Dedupe.Backend == "" {
		c.Dedupe.Backend = DedupeMemory
	}
	if c.Dedupe.Window == 0 {
		c.Dedupe.Window = 24 * time.Hour
	}
	if c.Dedupe.Redis.Prefix == "" {
		c.Dedupe.Redis.Prefix = "as2:seen:"
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.basePath must start with '/', got '%s'", c.Server.BasePath)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}
	if c.Server.OAuth2.Issuer != "" && c.Server.OAuth2.JWKSURL == "" {
		return fmt.Errorf("server.oauth2.jwksUrl is required when an issuer is set")
	}

	switch c.Partners.Source {
	case SourceFile:
		if c.Partners.Path == "" {
			return fmt.Errorf("partners.path is required when source is 'file'")
		}
	case SourceSQLite, SourcePostgres, SourceMySQL:
		if c.Partners.DSN == "" {
			return fmt.Errorf("partners.dsn is required when source is '%s'", c.Partners.Source)
		}
	case SourceMongoDB:
		if c.Partners.URI == "" {
			return fmt.Errorf("partners.uri is required when source is 'mongodb'")
		}
	default:
		return fmt.Errorf("partners.source must be 'file', 'sqlite', 'postgres', 'mysql' or 'mongodb', got '%s'", c.Partners.Source)
	}

	switch c.Dedupe.Backend {
	case DedupeMemory, DedupeNone:
	case DedupeRedis:
		if c.Dedupe.Redis.Address == "" {
			return fmt.Errorf("dedupe.redis.address is required when backend is 'redis'")
		}
	default:
		return fmt.Errorf("dedupe.backend must be 'memory', 'redis' or 'none', got '%s'", c.Dedupe.Backend)
	}

	if c.Outbox.Enabled {
		if c.Outbox.Dir == "" {
			return fmt.Errorf("outbox.dir is required when the outbox is enabled")
		}
		if c.AS2.LocalID == "" {
			return fmt.Errorf("as2.localId is required when the outbox is enabled")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn' or 'error', got '%s'", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}

	return nil
}

package hddo

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes JSON and YAML strings
// such as "5m" or "30s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Plain numbers are nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if value.Tag == "!!int" {
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Store backends understood by StoreConfig.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the ledger Store.
//
// Example:
//
//	{"backend": "sqlite", "path": "/var/lib/hddo/ledger.db"}
//	{"backend": "postgres", "postgres": {"host": "db", "port": 5432, "user": "hddo", "database": "hddo"}}
type StoreConfig struct {
	// Backend is one of memory (default), file, sqlite or postgres.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Path is the directory of the file store or the SQLite DSN.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Postgres holds the PostgreSQL settings; DSN overrides them.
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	DSN      string          `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// Validate checks the store selection.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "", BackendMemory:
		return nil
	case BackendFile, BackendSQLite:
		if c.Path == "" {
			return fmt.Errorf("config: store backend %q requires path", c.Backend)
		}
		return nil
	case BackendPostgres:
		if c.DSN == "" && c.Postgres == nil {
			return errors.New("config: store backend postgres requires dsn or postgres settings")
		}
		return nil
	default:
		return fmt.Errorf("config: invalid store backend %q", c.Backend)
	}
}

// Open opens the configured Store.
func (c StoreConfig) Open() (Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Backend {
	case BackendFile:
		return OpenFileStore(c.Path)
	case BackendSQLite:
		return OpenSQLiteStore(c.Path)
	case BackendPostgres:
		dsn := c.DSN
		if dsn == "" {
			dsn = c.Postgres.ConnectionString()
		}
		return OpenPostgresStore(dsn)
	default:
		return NewMemoryStore(), nil
	}
}

// ServiceConfig describes a ledger daemon.
//
// Example:
//
//	{
//	  "http_addr": ":8443",
//	  "grpc_addr": ":9443",
//	  "tls_cert_file": "/etc/hddo/tls.crt",
//	  "tls_key_file": "/etc/hddo/tls.key",
//	  "admin_token": "change-me",
//	  "reservation_ttl": "5m",
//	  "reap_interval": "1m",
//	  "store": {"backend": "file", "path": "/var/lib/hddo"},
//	  "log_level": "info",
//	  "log_format": "json"
//	}
type ServiceConfig struct {
	HTTPAddr       string      `json:"http_addr" yaml:"http_addr"`
	GRPCAddr       string      `json:"grpc_addr,omitempty" yaml:"grpc_addr,omitempty"`
	TLSCertFile    string      `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile     string      `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty"`
	AdminToken     string      `json:"admin_token,omitempty" yaml:"admin_token,omitempty"`
	ReservationTTL Duration    `json:"reservation_ttl,omitempty" yaml:"reservation_ttl,omitempty"`
	ReapInterval   Duration    `json:"reap_interval,omitempty" yaml:"reap_interval,omitempty"`
	Store          StoreConfig `json:"store" yaml:"store"`
	LogLevel       string      `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat      string      `json:"log_format,omitempty" yaml:"log_format,omitempty"`
}

// DefaultServiceConfig returns the settings used when no file is given.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HTTPAddr:       ":8080",
		ReservationTTL: Duration(DefaultReservationTTL),
		ReapInterval:   Duration(DefaultReapInterval),
		Store:          StoreConfig{Backend: BackendMemory},
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadServiceConfig reads a config file over the defaults and validates it.
// Files ending in .yaml or .yml are YAML, anything else is JSON.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if path == "" {
		return cfg, errors.New("config: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c ServiceConfig) Validate() error {
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		return errors.New("config: http_addr or grpc_addr is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: tls_cert_file and tls_key_file must be set together")
	}
	if c.ReservationTTL < 0 || c.ReapInterval < 0 {
		return errors.New("config: durations must not be negative")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}
	return c.Store.Validate()
}

// LedgerConfig derives the ledger settings.
func (c ServiceConfig) LedgerConfig(log *slog.Logger) LedgerConfig {
	return LedgerConfig{
		ReservationTTL: time.Duration(c.ReservationTTL),
		ReapInterval:   time.Duration(c.ReapInterval),
		Logger:         log,
	}
}

// TLSConfig loads the certificate pair, or returns nil when TLS is off.
func (c ServiceConfig) TLSConfig() (*tls.Config, error) {
	if c.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("config: invalid log_level %q", s)
	}
	return l, nil
}

// NewLogger builds the slog logger described by the config.
func (c ServiceConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLogLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

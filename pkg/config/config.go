package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the profile configuration file inside a profile directory.
const FileName = "config.toml"

// Transport kinds accepted by ConnectionConfig.Transport.
const (
	TransportWebSocket = "websocket"
	TransportUnix      = "unix"
	TransportTCP       = "tcp"
)

// ConnectionConfig describes how to reach the backend.
type ConnectionConfig struct {
	Transport        string        `toml:"transport"`
	URL              string        `toml:"url"`
	Address          string        `toml:"address"`
	HandshakeTimeout time.Duration `toml:"handshakeTimeout"`
	WriteTimeout     time.Duration `toml:"writeTimeout"`
	PingInterval     time.Duration `toml:"pingInterval"`
}

// RequestsConfig bounds correlated requests. MaxOutstanding of -1 removes
// the cap; zero selects the default.
type RequestsConfig struct {
	DefaultTimeout time.Duration `toml:"defaultTimeout"`
	MaxOutstanding int           `toml:"maxOutstanding"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"dbPath"`
}

// MetricsConfig exposes Prometheus metrics when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listenAddr"`
}

// StubConfig configures the development backend. SocketPath adds a
// length-prefixed unix socket endpoint next to the WebSocket one.
type StubConfig struct {
	ListenAddr       string        `toml:"listenAddr"`
	SocketPath       string        `toml:"socketPath"`
	ProgressInterval time.Duration `toml:"progressInterval"`
	MaxIterations    int           `toml:"maxIterations"`
}

// OutstandingLimit returns the cap in the form duplex.WithMaxOutstanding
// expects, where zero means unlimited.
func (r RequestsConfig) OutstandingLimit() int {
	if r.MaxOutstanding < 0 {
		return 0
	}
	return r.MaxOutstanding
}

// ProfileConfig aggregates configuration for a profile.
type ProfileConfig struct {
	ProfileName string           `toml:"profileName"`
	Connection  ConnectionConfig `toml:"connection"`
	Requests    RequestsConfig   `toml:"requests"`
	Logging     LoggingConfig    `toml:"logging"`
	Journal     JournalConfig    `toml:"journal"`
	Metrics     MetricsConfig    `toml:"metrics"`
	Stub        StubConfig       `toml:"stub"`
}

// DefaultProfile returns a profile pointing at a local development backend.
func DefaultProfile(name string) *ProfileConfig {
	cfg := &ProfileConfig{
		ProfileName: name,
		Connection: ConnectionConfig{
			Transport: TransportWebSocket,
			URL:       "ws://127.0.0.1:7420/ws",
		},
		Logging: LoggingConfig{Level: "info"},
		Journal: JournalConfig{DBPath: "journal.db"},
		Stub:    StubConfig{ListenAddr: "127.0.0.1:7420"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a config file from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from a profile directory.
func LoadProfile(dir string) (*ProfileConfig, error) {
	return Load(filepath.Join(dir, FileName))
}

// LoadProfileOrDefault reads config.toml from dir, falling back to
// DefaultProfile when the file does not exist.
func LoadProfileOrDefault(dir string) (*ProfileConfig, error) {
	cfg, err := LoadProfile(dir)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultProfile(filepath.Base(dir)), nil
	}
	return cfg, err
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *ProfileConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath anchors relative paths at the profile directory.
func ResolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	cfg.applyDefaults()
	switch cfg.Connection.Transport {
	case TransportWebSocket:
		if cfg.Connection.URL == "" {
			return fmt.Errorf("connection.url required for websocket transport")
		}
		if !strings.HasPrefix(cfg.Connection.URL, "ws://") && !strings.HasPrefix(cfg.Connection.URL, "wss://") {
			return fmt.Errorf("connection.url must use ws:// or wss://")
		}
	case TransportUnix, TransportTCP:
		if cfg.Connection.Address == "" {
			return fmt.Errorf("connection.address required for %s transport", cfg.Connection.Transport)
		}
	default:
		return fmt.Errorf("unknown connection.transport %q", cfg.Connection.Transport)
	}
	if cfg.Requests.MaxOutstanding < -1 {
		return fmt.Errorf("requests.maxOutstanding must be -1 (unlimited) or positive")
	}
	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		return fmt.Errorf("journal.dbPath required when journal is enabled")
	}
	return nil
}

func (cfg *ProfileConfig) applyDefaults() {
	if cfg.Connection.Transport == "" {
		cfg.Connection.Transport = TransportWebSocket
	}
	if cfg.Connection.HandshakeTimeout == 0 {
		cfg.Connection.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Connection.WriteTimeout == 0 {
		cfg.Connection.WriteTimeout = 5 * time.Second
	}
	if cfg.Requests.DefaultTimeout == 0 {
		cfg.Requests.DefaultTimeout = 30 * time.Second
	}
	if cfg.Requests.MaxOutstanding == 0 {
		cfg.Requests.MaxOutstanding = 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Stub.ProgressInterval == 0 {
		cfg.Stub.ProgressInterval = time.Second
	}
	if cfg.Stub.MaxIterations == 0 {
		cfg.Stub.MaxIterations = 100
	}
}

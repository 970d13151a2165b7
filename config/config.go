package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/labctrl/errors"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StorePebble = "pebble"
)

// Auth modes
const (
	AuthNone = "none"
	AuthJWT  = "jwt"
)

// Config represents the complete server configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Metrics    MetricsConfig    `json:"metrics"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Auth       AuthConfig       `json:"auth"`
	Store      StoreConfig      `json:"store"`
	Compiler   CompilerConfig   `json:"compiler"`
	Sources    []SourceConfig   `json:"sources,omitempty"`
}

// ServerConfig configures the websocket gateway
type ServerConfig struct {
	Addr           string    `json:"addr"`
	WSPath         string    `json:"ws_path"`
	AllowedOrigins []string  `json:"allowed_origins,omitempty"`
	PingInterval   Duration  `json:"ping_interval"`
	MaxMessageSize int64     `json:"max_message_size,omitempty"`
	RequestRate    float64   `json:"request_rate,omitempty"` // per connection, 0 = unlimited
	RequestBurst   int       `json:"request_burst,omitempty"`
	TLS            TLSConfig `json:"tls"`
}

// TLSConfig enables wss:// on the gateway listener. Client certificates
// are checked against ClientCAFiles when any are listed.
type TLSConfig struct {
	Enabled           bool     `json:"enabled"`
	CertFile          string   `json:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty"` // "1.2" or "1.3"
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// DispatcherConfig tunes update batching
type DispatcherConfig struct {
	FlushInterval Duration `json:"flush_interval"`
}

// AuthConfig selects how sessions are authorized
type AuthConfig struct {
	Mode       string   `json:"mode"`
	Secret     string   `json:"secret,omitempty"`
	CookieName string   `json:"cookie_name,omitempty"`
	CacheTTL   Duration `json:"cache_ttl"`
}

// StoreConfig selects the persisted source catalog backend
type StoreConfig struct {
	Backend    string `json:"backend"`
	Bucket     string `json:"bucket,omitempty"`
	PebblePath string `json:"pebble_path,omitempty"`

	NATSURL        string   `json:"nats_url,omitempty"`
	NATSUser       string   `json:"nats_user,omitempty"`
	NATSPassword   string   `json:"nats_password,omitempty"`
	NATSToken      string   `json:"nats_token,omitempty"`
	ConnectTimeout Duration `json:"connect_timeout"`
	ReconnectWait  Duration `json:"reconnect_wait"`
	MaxReconnects  int      `json:"max_reconnects"` // -1 retries forever
}

// CompilerConfig describes the external sequence compiler
type CompilerConfig struct {
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	CacheSize int      `json:"cache_size"`
	Timeout   Duration `json:"timeout"`
}

// SourceConfig is a source created at startup
type SourceConfig struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Duration is a time.Duration that reads "30ms" style strings or
// nanosecond numbers and writes strings.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case nil:
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// Validate checks the configuration for values the server cannot start with
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf(format, args...), "Config", "Validate", "validate configuration")
	}

	if c.Server.Addr == "" {
		return invalid("server.addr is required: %w", errors.ErrMissingConfig)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return invalid("server.ws_path must start with '/': %q", c.Server.WSPath)
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return invalid("server.tls needs cert_file and key_file: %w", errors.ErrMissingConfig)
	}
	if c.Server.RequestRate < 0 || c.Server.RequestBurst < 0 {
		return invalid("server.request_rate and server.request_burst cannot be negative")
	}
	if c.Dispatcher.FlushInterval <= 0 {
		return invalid("dispatcher.flush_interval must be positive")
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthJWT:
		if c.Auth.Secret == "" {
			return invalid("auth.secret is required in jwt mode: %w", errors.ErrMissingConfig)
		}
	default:
		return invalid("unknown auth.mode %q", c.Auth.Mode)
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreNATS:
		if c.Store.NATSURL == "" {
			return invalid("store.nats_url is required for the nats backend: %w", errors.ErrMissingConfig)
		}
		if (c.Store.NATSUser == "") != (c.Store.NATSPassword == "") {
			return invalid("store.nats_user and store.nats_password must be set together")
		}
		if c.Store.ConnectTimeout <= 0 || c.Store.ReconnectWait <= 0 {
			return invalid("store.connect_timeout and store.reconnect_wait must be positive")
		}
		if c.Store.MaxReconnects < -1 {
			return invalid("store.max_reconnects must be -1 or more")
		}
	case StorePebble:
		if c.Store.PebblePath == "" {
			return invalid("store.pebble_path is required for the pebble backend: %w", errors.ErrMissingConfig)
		}
	default:
		return invalid("unknown store.backend %q", c.Store.Backend)
	}

	if c.Compiler.CacheSize < 0 {
		return invalid("compiler.cache_size cannot be negative")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" || src.Type == "" {
			return invalid("sources[%d]: id and type are required", i)
		}
		if seen[src.ID] {
			return invalid("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
	}

	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Auth.Secret != "" {
		masked.Auth.Secret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

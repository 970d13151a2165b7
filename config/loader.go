package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/labctrl/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "LABCTRL"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, every file layer, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			WSPath:         "/ws",
			PingInterval:   Duration(30 * time.Second),
			MaxMessageSize: 1 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Dispatcher: DispatcherConfig{
			FlushInterval: Duration(30 * time.Millisecond),
		},
		Auth: AuthConfig{
			Mode:       AuthNone,
			CookieName: "labctrl_session",
			CacheTTL:   Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Backend:        StoreMemory,
			Bucket:         "labctrl_sources",
			ConnectTimeout: Duration(5 * time.Second),
			ReconnectWait:  Duration(2 * time.Second),
			MaxReconnects:  -1,
		},
		Compiler: CompilerConfig{
			CacheSize: 64,
			Timeout:   Duration(10 * time.Second),
		},
	}
}

// loadRaw reads a JSON or YAML layer into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges override into base. Nested maps merge, everything
// else (lists included) is replaced; nil override values are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_SECTION_FIELD variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) error {
		name := l.envPrefix + "_" + key
		val := os.Getenv(name)
		if err := validateEnvVar(name, val); err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		var raw string
		if err := str(key, &raw); err != nil || raw == "" {
			return err
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		}
		*dst = Duration(d)
		return nil
	}

	var origins, metricsEnabled string
	steps := []error{
		str("SERVER_ADDR", &cfg.Server.Addr),
		str("SERVER_WS_PATH", &cfg.Server.WSPath),
		str("SERVER_ALLOWED_ORIGINS", &origins),
		str("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile),
		str("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile),
		str("METRICS_ADDR", &cfg.Metrics.Addr),
		str("METRICS_ENABLED", &metricsEnabled),
		dur("DISPATCHER_FLUSH_INTERVAL", &cfg.Dispatcher.FlushInterval),
		str("AUTH_MODE", &cfg.Auth.Mode),
		str("AUTH_SECRET", &cfg.Auth.Secret),
		str("STORE_BACKEND", &cfg.Store.Backend),
		str("STORE_NATS_URL", &cfg.Store.NATSURL),
		str("STORE_NATS_USER", &cfg.Store.NATSUser),
		str("STORE_NATS_PASSWORD", &cfg.Store.NATSPassword),
		str("STORE_NATS_TOKEN", &cfg.Store.NATSToken),
		str("STORE_PEBBLE_PATH", &cfg.Store.PebblePath),
		str("COMPILER_COMMAND", &cfg.Compiler.Command),
	}
	for _, err := range steps {
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read environment")
		}
	}

	if origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	if metricsEnabled != "" {
		enabled, err := strconv.ParseBool(metricsEnabled)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse METRICS_ENABLED")
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Driver      string          `yaml:"driver"` // "tinygo" or "sim"
	ServiceUUID string          `yaml:"service_uuid"`
	Broadcast   BroadcastConfig `yaml:"broadcast"`
	Scan        ScanConfig      `yaml:"scan"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Events      EventsConfig    `yaml:"events"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	LogLevel    string          `yaml:"log_level"`
}

// BroadcastConfig holds advertising settings.
type BroadcastConfig struct {
	Token   string `yaml:"token"`
	TxPower *int   `yaml:"tx_power,omitempty"` // dBm hint, mapped to low/medium/high
	// ResumeOnPowerOn restarts the last broadcast after a radio power cycle.
	ResumeOnPowerOn bool `yaml:"resume_on_power_on"`
}

// ScanConfig holds scanning settings.
type ScanConfig struct {
	Targets      []string `yaml:"targets"`
	AllowAll     bool     `yaml:"allow_all"`
	NameFallback bool     `yaml:"name_fallback"`
	CacheSize    int      `yaml:"cache_size"`
}

// DiscoveryConfig holds diagnostic GATT discovery settings.
type DiscoveryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig holds event delivery settings.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// GatewayConfig holds the websocket gateway settings.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultServiceUUID is the service advertised and scanned when none is
// configured.
const DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "proximity-signal")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Driver:      "tinygo",
		ServiceUUID: DefaultServiceUUID,
		Scan: ScanConfig{
			NameFallback: true,
			CacheSize:    64,
		},
		Discovery: DiscoveryConfig{
			Timeout: 8 * time.Second,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8787",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde (~) in path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Driver {
	case "tinygo", "sim":
	default:
		return fmt.Errorf("driver must be \"tinygo\" or \"sim\", got %q", c.Driver)
	}

	if _, err := uuid.Parse(c.ServiceUUID); err != nil {
		return fmt.Errorf("service_uuid %q is not a valid UUID: %w", c.ServiceUUID, err)
	}

	if c.Scan.CacheSize <= 0 {
		return fmt.Errorf("scan.cache_size must be > 0")
	}

	if !c.Scan.AllowAll && len(c.Scan.Targets) > 5 {
		return fmt.Errorf("scan.targets must have at most 5 entries unless scan.allow_all is set, got %d", len(c.Scan.Targets))
	}

	if c.Discovery.Timeout <= 0 {
		return fmt.Errorf("discovery.timeout must be > 0")
	}

	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be > 0")
	}

	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// default to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# proximity-signal configuration
# driver: tinygo (host Bluetooth adapter) or sim (in-memory radio)
# broadcast.tx_power: optional dBm hint (>=3 high, <=-6 low, else medium)
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" when a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

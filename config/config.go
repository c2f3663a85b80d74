// Package config loads tchanneld settings from a TOML or YAML file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tchannel-rpc/protocol"
)

// ErrUnsupportedFormat is returned for a config file that is neither TOML nor YAML.
var ErrUnsupportedFormat = errors.New("config: unsupported file extension")

// Config is the resolved configuration of a tchanneld process.
type Config struct {
	Listen      string   // address to listen on
	Advertise   string   // host_port sent in Init and registered in etcd; defaults to Listen
	ProcessName string   // process_name sent in Init
	Services    []string // services served and registered

	EtcdEndpoints []string // empty disables the registry
	RegistryTTL   int64    // lease TTL in seconds

	RateLimit float64 // calls per second per server; 0 disables
	RateBurst int

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxPayload        int

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Listen:            "127.0.0.1:4040",
		ProcessName:       "tchanneld",
		Services:          []string{"echo"},
		RegistryTTL:       10,
		RateBurst:         1,
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxPayload:        protocol.MaxFramePayload,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// AdvertiseAddr returns Advertise, falling back to Listen.
func (c Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

type fileConfig struct {
	Listen            string   `toml:"listen" yaml:"listen"`
	Advertise         string   `toml:"advertise" yaml:"advertise"`
	ProcessName       string   `toml:"process_name" yaml:"process_name"`
	Services          []string `toml:"services" yaml:"services"`
	EtcdEndpoints     []string `toml:"etcd_endpoints" yaml:"etcd_endpoints"`
	RegistryTTL       int64    `toml:"registry_ttl" yaml:"registry_ttl"`
	RateLimit         float64  `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst         int      `toml:"rate_burst" yaml:"rate_burst"`
	HeartbeatInterval string   `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	DialTimeout       string   `toml:"dial_timeout" yaml:"dial_timeout"`
	ShutdownTimeout   string   `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxPayload        int      `toml:"max_payload" yaml:"max_payload"`
	LogLevel          string   `toml:"log_level" yaml:"log_level"`
	LogFormat         string   `toml:"log_format" yaml:"log_format"`
}

// Load reads path and applies every key it defines on top of Default.
// The format follows the extension: .toml, .yaml or .yml.
func Load(path string) (Config, error) {
	var (
		raw     fileConfig
		defined func(key string) bool
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		var keys map[string]yaml.Node
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		defined = func(key string) bool { _, ok := keys[key]; return ok }
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	return apply(Default(), raw, defined)
}

func apply(cfg Config, raw fileConfig, defined func(string) bool) (Config, error) {
	if defined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if defined("advertise") {
		cfg.Advertise = strings.TrimSpace(raw.Advertise)
	}
	if defined("process_name") {
		if name := strings.TrimSpace(raw.ProcessName); name != "" {
			cfg.ProcessName = name
		}
	}
	if defined("services") {
		cfg.Services = normalizeList(raw.Services)
	}
	if defined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if defined("registry_ttl") {
		cfg.RegistryTTL = raw.RegistryTTL
	}
	if defined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if defined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if !defined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if defined("max_payload") {
		cfg.MaxPayload = raw.MaxPayload
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	return cfg, cfg.Validate()
}

// Validate checks the values Load cannot correct on its own.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen must not be empty")
	}
	if c.MaxPayload < 64 || c.MaxPayload > protocol.MaxFramePayload {
		return fmt.Errorf("config: max_payload %d outside [64, %d]", c.MaxPayload, protocol.MaxFramePayload)
	}
	if c.RegistryTTL <= 0 {
		return fmt.Errorf("config: registry_ttl must be positive, got %d", c.RegistryTTL)
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst < 1) {
		return fmt.Errorf("config: rate_limit %.2f with rate_burst %d", c.RateLimit, c.RateBurst)
	}
	if c.HeartbeatInterval < 0 || c.ShutdownTimeout < 0 || c.DialTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

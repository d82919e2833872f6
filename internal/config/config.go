package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Sync     SyncConfig     `koanf:"sync"`
	Cache    CacheConfig    `koanf:"cache"`
}

// ServerConfig represents the local HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	BasePath     string        `koanf:"base_path"` // Optional base path for reverse proxy
}

// UpstreamConfig represents the generator API the engine synchronizes with
type UpstreamConfig struct {
	BaseURL        string        `koanf:"base_url"`
	WebSocketURL   string        `koanf:"websocket_url"` // derived from base_url when empty
	RequestTimeout time.Duration `koanf:"request_timeout"`
	TLS            *TLSConfig    `koanf:"tls"`
}

// SyncConfig tunes the pull and push channels
type SyncConfig struct {
	PullInterval      time.Duration `koanf:"pull_interval"`
	PullConcurrency   int           `koanf:"pull_concurrency"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	StaleMultiplier   int           `koanf:"stale_multiplier"`
}

// CacheConfig represents artifact cache configuration
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// TLSConfig represents TLS configuration for the upstream client
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// StaleAfter returns the push channel staleness threshold
func (s *SyncConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleMultiplier) * s.HeartbeatInterval
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = 10 * time.Second
	}
	if c.Upstream.WebSocketURL == "" && c.Upstream.BaseURL != "" {
		c.Upstream.WebSocketURL = deriveWebSocketURL(c.Upstream.BaseURL)
	}
	if c.Sync.PullInterval == 0 {
		c.Sync.PullInterval = 5 * time.Second
	}
	if c.Sync.PullConcurrency == 0 {
		c.Sync.PullConcurrency = 4
	}
	if c.Sync.HeartbeatInterval == 0 {
		c.Sync.HeartbeatInterval = 30 * time.Second
	}
	if c.Sync.StaleMultiplier == 0 {
		c.Sync.StaleMultiplier = 2
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be positive")
	}
	if c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	if c.Sync.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_interval must be positive")
	}
	if c.Sync.StaleMultiplier < 2 {
		return fmt.Errorf("sync.stale_multiplier must be at least 2")
	}
	return nil
}

// deriveWebSocketURL maps an http(s) base URL to its ws(s) counterpart
func deriveWebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

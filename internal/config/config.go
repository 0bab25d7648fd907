package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxTokens     = 128_000
	DefaultBytesPerToken = 4
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Auth struct {
	KeySetURL      string        `yaml:"keySetURL"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`

	// StaticKeys maps kid -> base64 raw ed25519 public key. When set,
	// the key set URL is optional; intended for dev and single-tenant
	// deployments.
	StaticKeys map[string]string `yaml:"staticKeys"`
}

type Sessions struct {
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	SendBuffer      int           `yaml:"sendBuffer"`
	SendTimeout     time.Duration `yaml:"sendTimeout"`
	MaxConnections  int           `yaml:"maxConnections"`
	ReadBufferSize  int           `yaml:"readBufferSize"`
	WriteBufferSize int           `yaml:"writeBufferSize"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Values RateLimiterConfig `yaml:"values"`
	System RateLimiterConfig `yaml:"system"`
	WS     RateLimiterConfig `yaml:"ws"`
}

type Service struct {
	Listen        string       `yaml:"listen"`
	TLS           TLS          `yaml:"tls"`
	MaxTokens     int          `yaml:"maxTokens"`
	BytesPerToken int          `yaml:"bytesPerToken"`
	Auth          Auth         `yaml:"auth"`
	Sessions      Sessions     `yaml:"sessions"`
	RateLimiters  RateLimiters `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrListenMissing            = errors.New("listen is missing in config")
	ErrMaxTokensInvalid         = errors.New("maxTokens must be positive")
	ErrAuthSourceMissing        = errors.New("auth.keySetURL is missing and no auth.staticKeys are configured")
	ErrTLSIncomplete            = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
)

func Load(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.Listen == "" {
		return nil, ErrListenMissing
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTokens < 0 {
		return nil, ErrMaxTokensInvalid
	}
	if cfg.BytesPerToken <= 0 {
		cfg.BytesPerToken = DefaultBytesPerToken
	}

	if cfg.Auth.KeySetURL == "" && len(cfg.Auth.StaticKeys) == 0 {
		return nil, ErrAuthSourceMissing
	}
	if cfg.Auth.CacheTTL <= 0 {
		cfg.Auth.CacheTTL = 5 * time.Minute
	}
	if cfg.Auth.FetchTimeout <= 0 {
		cfg.Auth.FetchTimeout = 5 * time.Second
	}
	if cfg.Auth.ConnectTimeout <= 0 {
		cfg.Auth.ConnectTimeout = 10 * time.Second
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return nil, ErrTLSIncomplete
	}

	if cfg.Sessions.IdleTimeout <= 0 {
		cfg.Sessions.IdleTimeout = 24 * time.Hour
	}
	if cfg.Sessions.SweepInterval <= 0 {
		cfg.Sessions.SweepInterval = time.Minute
	}
	if cfg.Sessions.SendBuffer <= 0 {
		cfg.Sessions.SendBuffer = 256
	}
	if cfg.Sessions.SendTimeout <= 0 {
		cfg.Sessions.SendTimeout = 5 * time.Second
	}
	if cfg.Sessions.MaxConnections <= 0 {
		cfg.Sessions.MaxConnections = 1024
	}
	if cfg.Sessions.ReadBufferSize <= 0 {
		cfg.Sessions.ReadBufferSize = 1024
	}
	if cfg.Sessions.WriteBufferSize <= 0 {
		cfg.Sessions.WriteBufferSize = 4096
	}

	if cfg.RateLimiters.Values.Limit <= 0 {
		cfg.RateLimiters.Values = RateLimiterConfig{Limit: 50, Burst: 100}
	}
	if cfg.RateLimiters.System.Limit <= 0 {
		cfg.RateLimiters.System = RateLimiterConfig{Limit: 10, Burst: 20}
	}
	if cfg.RateLimiters.WS.Limit <= 0 {
		cfg.RateLimiters.WS = RateLimiterConfig{Limit: 20, Burst: 60}
	}

	return &cfg, nil
}

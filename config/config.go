// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel    string       `mapstructure:"logLevel"`
	Server      Server       `mapstructure:"server"`
	Middlewares []Middleware `mapstructure:"middlewares"`
	Client      Client       `mapstructure:"client"`
	Webhook     Webhook      `mapstructure:"webhook"`
}

// Credentials is a SigV4 key pair as it appears in the file.
type Credentials struct {
	AccessKeyID string `mapstructure:"accessKeyId"`
	SecretKey   string `mapstructure:"secretKey"`
}

func (c Credentials) Empty() bool {
	return c.AccessKeyID == "" && c.SecretKey == ""
}

// Server configures the inbound listener.
type Server struct {
	Type string `mapstructure:"type"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// BaseDomain enables virtual-hosted-style bucket addressing.
	BaseDomain string `mapstructure:"baseDomain"`
	// ValidateCredentials requires inbound requests to be signed with the
	// server credentials. Leaving this off forwards unauthenticated
	// requests under the upstream credentials; that is a deliberate,
	// documented hazard.
	ValidateCredentials bool        `mapstructure:"validateCredentials"`
	Credentials         Credentials `mapstructure:"credentials"`
}

// Middleware configures one entry of the middleware stack, in order.
type Middleware struct {
	Type string `mapstructure:"type"`
	// CacheSize in bytes; accepts an integer or a human-readable string
	// such as "500 MB".
	CacheSize any `mapstructure:"cacheSize"`
	// MaxEntrySize caps single admissible responses; same formats.
	MaxEntrySize any `mapstructure:"maxEntrySize"`
	// TTL and TTI are milliseconds; zero inherits no bound.
	TTL int64               `mapstructure:"ttl"`
	TTI int64               `mapstructure:"tti"`
	Ops map[string]OpConfig `mapstructure:"ops"`
}

// OpConfig overrides caching for one operation.
type OpConfig struct {
	Enabled *bool `mapstructure:"enabled"`
	TTL     int64 `mapstructure:"ttl"`
	TTI     int64 `mapstructure:"tti"`
}

// Client configures the upstream connection.
type Client struct {
	Type           string `mapstructure:"type"`
	EndpointURL    string `mapstructure:"endpointUrl"`
	ForcePathStyle bool   `mapstructure:"forcePathStyle"`
	EnableHTTP2    bool   `mapstructure:"enableHttp2"`
	Insecure       bool   `mapstructure:"insecure"`
	Region         string `mapstructure:"region"`
	// Timeouts are milliseconds.
	ConnectTimeout          int64       `mapstructure:"connectTimeout"`
	ReadTimeout             int64       `mapstructure:"readTimeout"`
	OperationTimeout        int64       `mapstructure:"operationTimeout"`
	OperationAttemptTimeout int64       `mapstructure:"operationAttemptTimeout"`
	MaxRetryAttempts        int         `mapstructure:"maxRetryAttempts"`
	Credentials             Credentials `mapstructure:"credentials"`
}

// Webhook configures the event-notification listener.
type Webhook struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.type", "s3")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4356)
	v.SetDefault("client.type", "s3")
	v.SetDefault("client.endpointUrl", "http://localhost:9000")
	v.SetDefault("client.region", "us-east-1")
	v.SetDefault("client.maxRetryAttempts", 3)
	v.SetDefault("webhook.host", "127.0.0.1")
	v.SetDefault("webhook.port", 4357)
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Type != "" && c.Server.Type != "s3" {
		return fmt.Errorf("unsupported server type %q", c.Server.Type)
	}
	if c.Server.ValidateCredentials && c.Server.Credentials.Empty() {
		return fmt.Errorf("validateCredentials is set but no server credentials were given")
	}
	if c.Client.Type != "" && c.Client.Type != "s3" {
		return fmt.Errorf("unsupported client type %q", c.Client.Type)
	}
	if c.Client.EndpointURL == "" {
		return fmt.Errorf("client.endpointUrl is required")
	}
	for i, mw := range c.Middlewares {
		switch mw.Type {
		case "cache":
			if _, err := mw.CacheSizeBytes(); err != nil {
				return fmt.Errorf("middlewares[%d]: %w", i, err)
			}
		case "identity":
		default:
			return fmt.Errorf("middlewares[%d]: unsupported type %q", i, mw.Type)
		}
	}
	return nil
}

// Level maps the configured log level onto zerolog.
func (c Config) Level() (zerolog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "critical":
		return zerolog.FatalLevel, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("unknown logLevel %q", c.LogLevel)
}

// CacheSizeBytes resolves the cacheSize value, integer or humanized string.
func (m Middleware) CacheSizeBytes() (int64, error) {
	return sizeBytes(m.CacheSize, 50_000_000)
}

// MaxEntrySizeBytes resolves the maxEntrySize value; zero means the cache
// default applies.
func (m Middleware) MaxEntrySizeBytes() (int64, error) {
	return sizeBytes(m.MaxEntrySize, 0)
}

func sizeBytes(v any, fallback int64) (int64, error) {
	switch s := v.(type) {
	case nil:
		return fallback, nil
	case int:
		return int64(s), nil
	case int32:
		return int64(s), nil
	case int64:
		return s, nil
	case float64:
		return int64(s), nil
	case string:
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("invalid size value %v", v)
}

// Millis converts a millisecond count to a duration, zero staying zero.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

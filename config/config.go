// Package config loads service configuration from an optional YAML file and
// the environment. Values are read once at start and not changed afterwards.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/internal/eth"
)

// MinNonceBytes is the smallest accepted nonce size (128 bits)
const MinNonceBytes = 16

// Config holds the service configuration
type Config struct {
	// ListenAddr is the HTTP listen address
	ListenAddr string `yaml:"listen_addr"`

	// RedisURL selects the Redis stores and event stream when set,
	// otherwise state is kept in memory
	RedisURL string `yaml:"redis_url"`

	// EthRPCURL is the optional blockchain data source
	EthRPCURL string `yaml:"eth_rpc_url"`

	// ChainTimeout bounds each blockchain lookup
	ChainTimeout time.Duration `yaml:"chain_timeout"`

	// StoreTimeout bounds each store round trip
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// CleanupInterval is how often the memory store drops expired records
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Nonce     NonceConfig     `yaml:"nonce"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
}

// NonceConfig configures challenges
type NonceConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	Bytes           int           `yaml:"bytes"`
	MessageTemplate string        `yaml:"message_template"`
}

// RateLimitConfig sets per-operation limits within a fixed window
type RateLimitConfig struct {
	Window       time.Duration `yaml:"window"`
	Nonce        int           `yaml:"nonce"`
	Authenticate int           `yaml:"authenticate"`

	// AuthenticateAddress bounds attempts against one address across clients
	AuthenticateAddress int `yaml:"authenticate_address"`
}

// ThrottleConfig is the coarse per-IP request throttle
type ThrottleConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxEntries        int     `yaml:"max_entries"`
	TrustProxy        bool    `yaml:"trust_proxy"`
}

// SessionConfig configures the session gate
type SessionConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	SigningKeyPath string        `yaml:"signing_key_path"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		ListenAddr:      ":9000",
		ChainTimeout:    10 * time.Second,
		StoreTimeout:    2 * time.Second,
		CleanupInterval: time.Minute,
		Nonce: NonceConfig{
			TTL:             5 * time.Minute,
			Bytes:           MinNonceBytes,
			MessageTemplate: eth.TemplateV1,
		},
		RateLimit: RateLimitConfig{
			Window:       time.Hour,
			Nonce:               10,
			Authenticate:        5,
			AuthenticateAddress: 20,
		},
		Throttle: ThrottleConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxEntries:        10000,
		},
		Session: SessionConfig{
			TTL:          24 * time.Hour,
			CookieSecure: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path when non-empty, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("SIGAUTH_ADDR", &c.ListenAddr)
	str("REDIS_URL", &c.RedisURL)
	str("ETH_RPC_URL", &c.EthRPCURL)
	dur("SIGAUTH_NONCE_TTL", &c.Nonce.TTL)
	num("SIGAUTH_NONCE_BYTES", &c.Nonce.Bytes)
	str("SIGAUTH_MESSAGE_TEMPLATE", &c.Nonce.MessageTemplate)
	dur("SIGAUTH_RATE_WINDOW", &c.RateLimit.Window)
	num("SIGAUTH_RATE_NONCE", &c.RateLimit.Nonce)
	num("SIGAUTH_RATE_AUTH", &c.RateLimit.Authenticate)
	num("SIGAUTH_RATE_AUTH_ADDRESS", &c.RateLimit.AuthenticateAddress)
	dur("SIGAUTH_SESSION_TTL", &c.Session.TTL)
	flag("SIGAUTH_COOKIE_SECURE", &c.Session.CookieSecure)
	str("SIGAUTH_JWT_KEY", &c.Session.SigningKeyPath)
	flag("SIGAUTH_TRUST_PROXY", &c.Throttle.TrustProxy)
	str("SIGAUTH_LOG_LEVEL", &c.Log.Level)
	str("SIGAUTH_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("5m") and plain seconds ("300")
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the configuration for values the service cannot run with
func (c Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Nonce.TTL <= 0 {
		errs = append(errs, errors.New("nonce.ttl must be positive"))
	}
	if c.Nonce.Bytes < MinNonceBytes {
		errs = append(errs, fmt.Errorf("nonce.bytes must be at least %d", MinNonceBytes))
	}
	if err := eth.ValidateTemplate(c.Nonce.MessageTemplate); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Nonce < 0 || c.RateLimit.Authenticate < 0 || c.RateLimit.AuthenticateAddress < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.RateLimit.Window < 0 {
		errs = append(errs, errors.New("rate_limit.window must not be negative"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store_timeout must be positive"))
	}
	if c.Throttle.RequestsPerSecond < 0 || c.Throttle.Burst < 0 {
		errs = append(errs, errors.New("throttle values must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Limits returns the per-operation limits
func (c RateLimitConfig) Limits() map[core.Operation]int {
	return map[core.Operation]int{
		core.OpNonce:               c.Nonce,
		core.OpAuthenticate:        c.Authenticate,
		core.OpAuthenticateAddress: c.AuthenticateAddress,
	}
}

// SlogLevel parses the configured level
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.Level)
	}
	return level, nil
}

// NewLogger builds the process logger
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/InsulaLabs/annosync/client"
	"github.com/InsulaLabs/annosync/pkg/models"
)

const (
	EnvEndpoint   = "ANNOSYNC_ENDPOINT"
	EnvAPIKey     = "ANNOSYNC_API_KEY"
	EnvSkipVerify = "ANNOSYNC_SKIP_VERIFY"

	DefaultTimeout         = 10 * time.Second
	DefaultTokenTTL        = time.Hour
	DefaultWorkers         = 8
	DefaultDispatchTimeout = 2 * time.Second
)

type RateLimit struct {
	Limit float64 `yaml:"limit"` // Requests per second, zero disables
	Burst int     `yaml:"burst"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Client struct {
	Endpoint        string        `yaml:"endpoint"`
	APIKey          string        `yaml:"apiKey,omitempty"` // prefer the environment over committing keys
	Timeout         time.Duration `yaml:"timeout"`
	TokenTTL        time.Duration `yaml:"tokenTTL"`
	SkipVerify      bool          `yaml:"skipVerify"`
	Workers         int           `yaml:"workers"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`
	RateLimit       RateLimit     `yaml:"rateLimit"`
	Logging         Logging       `yaml:"logging"`
	Source          string        `yaml:"source,omitempty"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrEndpointMissing          = errors.New("endpoint is missing in config")
	ErrEndpointInvalid          = errors.New("endpoint must be an http or https url")
	ErrTimeoutInvalid           = errors.New("timeout must not be negative")
	ErrTokenTTLInvalid          = errors.New("tokenTTL must not be negative")
	ErrWorkersInvalid           = errors.New("workers must not be negative")
	ErrDispatchTimeoutInvalid   = errors.New("dispatchTimeout must not be negative")
	ErrRateLimitInvalid         = errors.New("rateLimit.limit and rateLimit.burst must not be negative")
	ErrLoggingLevelInvalid      = errors.New("logging.level must be one of debug, info, warn, error")
	ErrSkipVerifyEnvUnparseable = errors.New(EnvSkipVerify + " is not a boolean")
)

// LoadConfig reads a YAML file, overlays the environment, fills defaults
// and validates the result.
func LoadConfig(configFile string) (*Client, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Client
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from the environment alone.
func FromEnv() (*Client, error) {
	cfg := GenerateConfig()
	cfg.Endpoint = ""
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with any ANNOSYNC_* variables that are set.
func (c *Client) ApplyEnv() error {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvSkipVerify); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ErrSkipVerifyEnvUnparseable
		}
		c.SkipVerify = b
	}
	return nil
}

func (c *Client) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Client) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointMissing
	}
	if _, err := client.NormalizeEndpoint(c.Endpoint); err != nil {
		return ErrEndpointInvalid
	}
	if c.Timeout < 0 {
		return ErrTimeoutInvalid
	}
	if c.TokenTTL < 0 {
		return ErrTokenTTLInvalid
	}
	if c.Workers < 0 {
		return ErrWorkersInvalid
	}
	if c.DispatchTimeout < 0 {
		return ErrDispatchTimeoutInvalid
	}
	if c.RateLimit.Limit < 0 || c.RateLimit.Burst < 0 {
		return ErrRateLimitInvalid
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Client) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Logging.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, ErrLoggingLevelInvalid
}

// ClientConfig converts the file settings into a transport configuration.
// Without an API key the client runs anonymously.
func (c *Client) ClientConfig(logger *slog.Logger) *client.Config {
	cc := &client.Config{
		Endpoint:          c.Endpoint,
		SkipVerify:        c.SkipVerify,
		Timeout:           c.Timeout,
		TokenTTL:          c.TokenTTL,
		RequestsPerSecond: c.RateLimit.Limit,
		Burst:             c.RateLimit.Burst,
		Logger:            logger,
	}
	if c.APIKey != "" {
		cc.Auth = models.NewAuthorization(c.APIKey)
	}
	return cc
}

func GenerateConfig() *Client {
	return &Client{
		Endpoint:        "http://localhost:8100/anno/v1",
		Timeout:         DefaultTimeout,
		TokenTTL:        DefaultTokenTTL,
		Workers:         DefaultWorkers,
		DispatchTimeout: DefaultDispatchTimeout,
		RateLimit:       RateLimit{Limit: 20, Burst: 40},
		Logging:         Logging{Level: "info"},
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trade-engine/hist-ingest/internal/restapi"
)

type Config struct {
	Application Application `yaml:"application"`
	Storage     Storage     `yaml:"storage"`
	Remote      Remote      `yaml:"remote"`
	Fetch       Fetch       `yaml:"fetch"`
	Export      Export      `yaml:"export"`
	Symbols     []string    `yaml:"symbols"`
	Kinds       []string    `yaml:"kinds"`
	Monitoring  Monitoring  `yaml:"monitoring"`

	// Credentials come from the environment only.
	Credentials Credentials `yaml:"-"`
}

type Application struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level" env:"HIST_LOG_LEVEL"`
}

type Storage struct {
	BasePath    string        `yaml:"base_path" env:"HIST_DATA_DIR"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type Remote struct {
	ListingURL     string             `yaml:"listing_url"`
	ArchiveBaseURL string             `yaml:"archive_base_url"`
	MarketPrefix   string             `yaml:"market_prefix"`
	ExportBaseURL  string             `yaml:"export_base_url"`
	RateLimits     restapi.RateLimits `yaml:"rate_limits"`
}

type Fetch struct {
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	SkipDelay      time.Duration `yaml:"skip_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

type Export struct {
	DataType     string        `yaml:"data_type"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

type Monitoring struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Credentials authenticate the order-book export API.
type Credentials struct {
	APIKey    string `env:"HIST_API_KEY"`
	APISecret string `env:"HIST_API_SECRET"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.withDefaults()
	return cfg
}

func (c *Config) withDefaults() {
	if c.Application.Name == "" {
		c.Application.Name = "hist-ingest"
	}
	if c.Application.LogLevel == "" {
		c.Application.LogLevel = "info"
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "data"
	}
	if c.Storage.LockTimeout == 0 {
		c.Storage.LockTimeout = 5 * time.Second
	}
	if c.Remote.ListingURL == "" {
		c.Remote.ListingURL = "https://s3-ap-northeast-1.amazonaws.com/data.binance.vision"
	}
	if c.Remote.ArchiveBaseURL == "" {
		c.Remote.ArchiveBaseURL = "https://data.binance.vision"
	}
	if c.Remote.MarketPrefix == "" {
		c.Remote.MarketPrefix = "data/futures/um/daily"
	}
	if c.Remote.ExportBaseURL == "" {
		c.Remote.ExportBaseURL = restapi.DefaultExportBaseURL
	}
	if c.Remote.RateLimits == (restapi.RateLimits{}) {
		c.Remote.RateLimits = restapi.DefaultRateLimits()
	}
	if c.Fetch.Workers == 0 {
		c.Fetch.Workers = 4
	}
	if c.Fetch.RequestTimeout == 0 {
		c.Fetch.RequestTimeout = 30 * time.Second
	}
	if c.Fetch.BatchTimeout == 0 {
		c.Fetch.BatchTimeout = 24 * time.Hour
	}
	if c.Fetch.SkipDelay == 0 {
		c.Fetch.SkipDelay = time.Second
	}
	if c.Fetch.MaxAttempts == 0 {
		c.Fetch.MaxAttempts = 5
	}
	if c.Fetch.RetryDelay == 0 {
		c.Fetch.RetryDelay = time.Second
	}
	if c.Export.DataType == "" {
		c.Export.DataType = restapi.DefaultDataType
	}
	if c.Export.PollInterval == 0 {
		c.Export.PollInterval = restapi.DefaultPollInterval
	}
	if c.Export.Workers == 0 {
		c.Export.Workers = 4
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []string{"trades"}
	}
	if c.Monitoring.Prometheus.Port == 0 {
		c.Monitoring.Prometheus.Port = 9090
	}
	if c.Monitoring.Prometheus.Path == "" {
		c.Monitoring.Prometheus.Path = "/metrics"
	}
}

// Validate checks values the schema cannot express.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Application.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.Application.LogLevel)
	}
	if c.Fetch.Workers < 1 {
		return fmt.Errorf("fetch.workers must be at least 1")
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be at least 1")
	}
	if c.Fetch.RequestTimeout < time.Second {
		return fmt.Errorf("fetch.request_timeout must be at least 1 second")
	}
	if c.Fetch.BatchTimeout < c.Fetch.RequestTimeout {
		return fmt.Errorf("fetch.batch_timeout must not be shorter than fetch.request_timeout")
	}
	for _, symbol := range c.Symbols {
		if symbol == "" || strings.ToUpper(symbol) != symbol {
			return fmt.Errorf("symbol %q must be upper case", symbol)
		}
	}
	return nil
}

// RequireCredentials fails when the export API credentials are missing.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.Credentials.APIKey == "" {
		missing = append(missing, "HIST_API_KEY")
	}
	if c.Credentials.APISecret == "" {
		missing = append(missing, "HIST_API_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: set %s", strings.Join(missing, ", "))
	}
	return nil
}

// Save writes the configuration without credentials.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

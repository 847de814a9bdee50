package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apicize/apicize-go/packages/apicize"
)

// Config is the tool configuration, loadable from YAML or JSON. Durations are
// expressed in milliseconds in the file.
type Config struct {
	DefaultTimeout          int               `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"` // milliseconds
	MaxRedirects            int               `json:"maxRedirects,omitempty" yaml:"maxRedirects,omitempty"`
	RetryEnabled            *bool             `json:"retryEnabled,omitempty" yaml:"retryEnabled,omitempty"`
	MaxRetryAttempts        int               `json:"maxRetryAttempts,omitempty" yaml:"maxRetryAttempts,omitempty"`
	RetryDelayMs            int               `json:"retryDelayMs,omitempty" yaml:"retryDelayMs,omitempty"`
	RetryBackoffMultiplier  float64           `json:"retryBackoffMultiplier,omitempty" yaml:"retryBackoffMultiplier,omitempty"`
	RetryOnStatus           []int             `json:"retryOnStatus,omitempty" yaml:"retryOnStatus,omitempty"`
	RetryOnNetworkError     *bool             `json:"retryOnNetworkError,omitempty" yaml:"retryOnNetworkError,omitempty"`
	RetryOnTimeout          *bool             `json:"retryOnTimeout,omitempty" yaml:"retryOnTimeout,omitempty"`
	CircuitBreakerEnabled   *bool             `json:"circuitBreakerEnabled,omitempty" yaml:"circuitBreakerEnabled,omitempty"`
	CircuitBreakerThreshold int               `json:"circuitBreakerThreshold,omitempty" yaml:"circuitBreakerThreshold,omitempty"`
	ValidateSSL             *bool             `json:"validateSSL,omitempty" yaml:"validateSSL,omitempty"`
	Parallel                *bool             `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Concurrency             int               `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Headers                 map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	NoColor                 *bool             `json:"noColor,omitempty" yaml:"noColor,omitempty"`
	HistoryPath             string            `json:"historyPath,omitempty" yaml:"historyPath,omitempty"`
}

// ConfigFilenames are the file names Discover probes, in priority order.
var ConfigFilenames = []string{
	"apicize.config.yaml",
	"apicize.config.yml",
	"apicize.config.json",
	".apicize.config.json",
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:          30000,
		MaxRedirects:            10,
		RetryEnabled:            boolPtr(false),
		MaxRetryAttempts:        3,
		RetryDelayMs:            1000,
		RetryBackoffMultiplier:  2.0,
		RetryOnStatus:           append([]int(nil), apicize.DefaultRetryStatuses...),
		RetryOnNetworkError:     boolPtr(true),
		RetryOnTimeout:          boolPtr(true),
		CircuitBreakerEnabled:   boolPtr(false),
		CircuitBreakerThreshold: 5,
		ValidateSSL:             boolPtr(true),
		Parallel:                boolPtr(false),
		Concurrency:             5,
		NoColor:                 boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// GetRetryEnabled returns the retry setting, defaulting to false.
func (c *Config) GetRetryEnabled() bool {
	return getBool(c.RetryEnabled, false)
}

// GetRetryOnNetworkError returns the network retry setting, defaulting to true.
func (c *Config) GetRetryOnNetworkError() bool {
	return getBool(c.RetryOnNetworkError, true)
}

// GetRetryOnTimeout returns the timeout retry setting, defaulting to true.
func (c *Config) GetRetryOnTimeout() bool {
	return getBool(c.RetryOnTimeout, true)
}

// GetCircuitBreakerEnabled returns the breaker setting, defaulting to false.
func (c *Config) GetCircuitBreakerEnabled() bool {
	return getBool(c.CircuitBreakerEnabled, false)
}

// GetValidateSSL returns the TLS verification setting, defaulting to true.
func (c *Config) GetValidateSSL() bool {
	return getBool(c.ValidateSSL, true)
}

// GetParallel returns the batch concurrency setting, defaulting to false.
func (c *Config) GetParallel() bool {
	return getBool(c.Parallel, false)
}

// GetNoColor returns the color suppression setting, defaulting to false.
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// Timeout returns the default per-attempt timeout as a duration.
func (c *Config) Timeout() time.Duration {
	if c.DefaultTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DefaultTimeout) * time.Millisecond
}

// RetryDelay returns the base backoff delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	if c.RetryDelayMs <= 0 {
		return time.Second
	}
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// HandlerConfig maps the configuration onto the error handler's settings.
func (c *Config) HandlerConfig() apicize.HandlerConfig {
	return apicize.HandlerConfig{
		RetryEnabled:            c.GetRetryEnabled(),
		MaxRetryAttempts:        c.MaxRetryAttempts,
		RetryDelay:              c.RetryDelay(),
		RetryBackoffMultiplier:  c.RetryBackoffMultiplier,
		RetryOnStatus:           c.RetryOnStatus,
		RetryOnNetworkError:     c.GetRetryOnNetworkError(),
		RetryOnTimeout:          c.GetRetryOnTimeout(),
		CircuitBreakerEnabled:   c.GetCircuitBreakerEnabled(),
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
	}
}

// Load reads a config file, dispatching on extension: .yaml/.yml use YAML,
// anything else JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Discover walks dir looking for a known config file name, returning defaults
// when none exists.
func Discover(dir string) (*Config, error) {
	for _, name := range ConfigFilenames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return DefaultConfig(), nil
}

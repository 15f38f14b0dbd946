// Package config loads consultd configuration from YAML with environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrielmoraes/consult"
	"github.com/adrielmoraes/consult/providers/anthropic"
	"github.com/adrielmoraes/consult/providers/azure"
	"github.com/adrielmoraes/consult/providers/gemini"
	"github.com/adrielmoraes/consult/providers/openai"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"
)

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderAzure     = "azure"
	ProviderMock      = "mock"
)

// ProviderConfig selects and configures one model provider.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url,omitempty"` // Endpoint override; the resource endpoint for azure
	Timeout time.Duration `yaml:"timeout,omitempty"`

	APIVersion string `yaml:"api_version,omitempty"` // azure only
}

// PipelineSettings mirrors consult.PipelineConfig in YAML form.
type PipelineSettings struct {
	SpecialistTimeout time.Duration `yaml:"specialist_timeout"`
	Deadline          time.Duration `yaml:"deadline"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerRecovery   time.Duration `yaml:"breaker_recovery"`
}

// DatabaseConfig configures usage persistence. An empty URL keeps usage in memory.
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Price is a per-token price in nano-USD.
type Price struct {
	Input  int64 `yaml:"input"`
	Output int64 `yaml:"output"`
}

// Config is the full consultd configuration.
type Config struct {
	Provider ProviderConfig   `yaml:"provider"`
	Fallback *ProviderConfig  `yaml:"fallback,omitempty"`
	Pipeline PipelineSettings `yaml:"pipeline"`
	Database DatabaseConfig   `yaml:"database"`
	Server   ServerConfig     `yaml:"server"`
	Log      LogConfig        `yaml:"log"`
	Roster   string           `yaml:"roster,omitempty"` // Path to a roster YAML file; the built-in roster when empty
	Prices   map[string]Price `yaml:"prices,omitempty"` // Merged over consult.DefaultPrices
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Provider: ProviderConfig{Name: ProviderAnthropic},
		Pipeline: PipelineSettings{
			SpecialistTimeout: consult.DefaultSpecialistTimeout,
			Deadline:          consult.DefaultDeadline,
			RetryAttempts:     consult.DefaultRetryAttempts,
			RetryBackoff:      consult.DefaultRetryBackoff,
		},
		Database: DatabaseConfig{WriteTimeout: consult.DefaultWriteTimeout},
		Server:   ServerConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that need only part of the
// configuration, such as migrations.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides file values from the environment. CONSULT_* variables win
// over the conventional DATABASE_URL, PORT and LOG_LEVEL. When no API key is
// configured, the provider's own variable (ANTHROPIC_API_KEY, ...) is used.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DATABASE_URL", &c.Database.URL)
	str("LOG_LEVEL", &c.Log.Level)
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}

	str("CONSULT_PROVIDER", &c.Provider.Name)
	str("CONSULT_MODEL", &c.Provider.Model)
	str("CONSULT_API_KEY", &c.Provider.APIKey)
	str("CONSULT_BASE_URL", &c.Provider.BaseURL)
	str("CONSULT_DATABASE_URL", &c.Database.URL)
	str("CONSULT_ADDR", &c.Server.Addr)
	str("CONSULT_LOG_LEVEL", &c.Log.Level)
	str("CONSULT_LOG_FORMAT", &c.Log.Format)
	str("CONSULT_ROSTER", &c.Roster)
	dur("CONSULT_DEADLINE", &c.Pipeline.Deadline)
	dur("CONSULT_SPECIALIST_TIMEOUT", &c.Pipeline.SpecialistTimeout)
	num("CONSULT_MAX_CONCURRENCY", &c.Pipeline.MaxConcurrency)

	if c.Provider.APIKey == "" {
		str(apiKeyEnv(c.Provider.Name), &c.Provider.APIKey)
	}
	if c.Fallback != nil && c.Fallback.APIKey == "" {
		str(apiKeyEnv(c.Fallback.Name), &c.Fallback.APIKey)
	}
}

func apiKeyEnv(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// Validate checks the configuration for values no component can accept.
func (c Config) Validate() error {
	if err := validateProvider(c.Provider); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if c.Fallback != nil {
		if err := validateProvider(*c.Fallback); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	if c.Pipeline.MaxConcurrency < 0 {
		return errors.New("pipeline: max_concurrency must not be negative")
	}
	if c.Pipeline.RateLimit < 0 {
		return errors.New("pipeline: rate_limit must not be negative")
	}
	for model, p := range c.Prices {
		if p.Input < 0 || p.Output < 0 {
			return fmt.Errorf("prices: negative price for %s", model)
		}
	}
	return nil
}

func validateProvider(p ProviderConfig) error {
	switch p.Name {
	case ProviderMock:
		return nil
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		if p.APIKey == "" {
			return fmt.Errorf("api key required for %s", p.Name)
		}
		return nil
	case ProviderAzure:
		if p.APIKey == "" || p.BaseURL == "" || p.Model == "" {
			return errors.New("azure needs api_key, base_url (endpoint) and model (deployment)")
		}
		return nil
	case "":
		return errors.New("name required")
	default:
		return fmt.Errorf("unknown provider %q", p.Name)
	}
}

// PipelineConfig converts the YAML settings into a consult.PipelineConfig.
// Fallback and Debug are left for the caller to wire.
func (c Config) PipelineConfig() consult.PipelineConfig {
	p := c.Pipeline
	return consult.PipelineConfig{
		SpecialistTimeout: p.SpecialistTimeout,
		Deadline:          p.Deadline,
		RetryAttempts:     p.RetryAttempts,
		RetryBackoff:      p.RetryBackoff,
		MaxConcurrency:    p.MaxConcurrency,
		RateLimit:         p.RateLimit,
		RateBurst:         p.RateBurst,
		BreakerFailures:   p.BreakerFailures,
		BreakerRecovery:   p.BreakerRecovery,
	}
}

// PriceTable returns the default prices overlaid with configured ones.
func (c Config) PriceTable() consult.PriceTable {
	table := consult.DefaultPrices()
	for model, p := range c.Prices {
		table[model] = consult.Price{Input: p.Input, Output: p.Output}
	}
	return table
}

// LoadRoster returns the roster at path, or the built-in roster when path is empty.
func LoadRoster(path string) (consult.Roster, error) {
	if path == "" {
		return consult.DefaultRoster(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var doc struct {
		Specialists consult.Roster `yaml:"specialists"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if err := doc.Specialists.Validate(); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return doc.Specialists, nil
}

// NewProvider builds the provider p names. The returned close function
// releases any client the provider holds and is never nil.
func NewProvider(ctx context.Context, p ProviderConfig) (consult.Provider, func() error, error) {
	noop := func() error { return nil }
	switch p.Name {
	case ProviderAnthropic:
		return anthropic.New(anthropic.Config{
			APIKey:  p.APIKey,
			Model:   p.Model,
			BaseURL: p.BaseURL,
			Timeout: p.Timeout,
		}), noop, nil
	case ProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:  p.APIKey,
			Model:   p.Model,
			BaseURL: p.BaseURL,
			Timeout: p.Timeout,
		}), noop, nil
	case ProviderAzure:
		return azure.New(azure.Config{
			Endpoint:   p.BaseURL,
			APIKey:     p.APIKey,
			Deployment: p.Model,
			APIVersion: p.APIVersion,
			Timeout:    p.Timeout,
		}), noop, nil
	case ProviderGemini:
		gc := gemini.Config{APIKey: p.APIKey, Model: p.Model}
		if p.BaseURL != "" {
			gc.Options = append(gc.Options, option.WithEndpoint(p.BaseURL))
		}
		g, err := gemini.New(ctx, gc)
		if err != nil {
			return nil, noop, err
		}
		return g, g.Close, nil
	case ProviderMock:
		return consult.NewMockProvider(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown provider %q", p.Name)
	}
}

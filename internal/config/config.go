// Package config loads the benchmark configuration from config.yaml and
// MATCHBENCH_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Levels are separated by
// a double underscore: MATCHBENCH_RUN__MAX_ITEMS=5.
const EnvPrefix = "MATCHBENCH_"

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Provider  ProviderConfig  `koanf:"provider"`
	Run       RunConfig       `koanf:"run"`
	Storage   StorageConfig   `koanf:"storage"`
	Server    ServerConfig    `koanf:"server"`
	Tools     ToolsConfig     `koanf:"tools"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

type ProviderConfig struct {
	Type        string        `koanf:"type"` // openai, openai-compatible, azure, anthropic
	Model       string        `koanf:"model"`
	BaseURL     string        `koanf:"base_url"`
	APIKey      string        `koanf:"api_key"`
	APIVersion  string        `koanf:"api_version"` // Azure deployments
	Timeout     time.Duration `koanf:"timeout"`     // per attempt
	MaxRetries  int           `koanf:"max_retries"`
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffMax  time.Duration `koanf:"backoff_max"`
	MaxTokens   int           `koanf:"max_tokens"`
	Temperature *float32      `koanf:"temperature"` // unset leaves the provider default
}

type RunConfig struct {
	BusinessLine     string `koanf:"business_line"`
	Constellation    string `koanf:"constellation"`
	ConstellationDir string `koanf:"constellations_dir"`
	PromptsDir       string `koanf:"prompts_dir"`
	Scenario         string `koanf:"scenario"` // optional scenario file overriding the input paths

	Registrations string `koanf:"registrations"`
	Offers        string `koanf:"offers"`
	Incentives    string `koanf:"incentives"`
	Capacity      string `koanf:"capacity"`
	OutputDir     string `koanf:"output_dir"`

	MaxItems    int `koanf:"max_items"`
	MaxMessages int `koanf:"max_messages"`
	TokenLimit  int `koanf:"token_limit"`
	BatchSize   int `koanf:"batch_size"`
	Concurrency int `koanf:"concurrency"`

	RollbackOnPhase2Failure bool `koanf:"rollback_on_phase2_failure"`
	ResetCapacity           bool `koanf:"reset_capacity"`
}

type StorageConfig struct {
	Type string `koanf:"type"` // file, sqlite, postgres, memory
	DSN  string `koanf:"dsn"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	WatchTopology  bool          `koanf:"watch_topology"`
}

type ToolsConfig struct {
	Incentives IncentivesConfig `koanf:"incentives"`
}

type IncentivesConfig struct {
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	CacheSize int           `koanf:"cache_size"`

	// AllowPrivate lets base_url point at a private or loopback host.
	AllowPrivate bool `koanf:"allow_private"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"log.level": "info",

	"provider.type":         "openai",
	"provider.model":        "gpt-4o-mini",
	"provider.timeout":      "120s",
	"provider.max_retries":  3,
	"provider.backoff_base": "1s",
	"provider.backoff_max":  "30s",

	"run.business_line":      "sbus",
	"run.constellation":      "p1m1_p2m2",
	"run.constellations_dir": "config/constellations",
	"run.prompts_dir":        "prompts",
	"run.output_dir":         "results",
	"run.max_items":          100,
	"run.max_messages":       10,
	"run.token_limit":        30000,
	"run.batch_size":         5,
	"run.concurrency":        1,

	"storage.type": "file",

	"server.port":            8080,
	"server.request_timeout": "15m",
	"server.watch_topology":  true,

	"tools.incentives.api_key":    "${REWIRING_AMERICA_API_KEY}",
	"tools.incentives.base_url":   "https://api.rewiringamerica.org",
	"tools.incentives.timeout":    "15s",
	"tools.incentives.cache_size": 256,

	"telemetry.service_name": "matchbench",
}

// providerKeyEnv names the conventional credential variable per provider type.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"azure":     "AZURE_OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), applies environment overrides and
// defaults, and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Provider.APIKey = substituteEnvVars(cfg.Provider.APIKey)
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(providerKeyEnv[cfg.Provider.Type])
	}
	cfg.Provider.BaseURL = substituteEnvVars(cfg.Provider.BaseURL)
	cfg.Tools.Incentives.APIKey = substituteEnvVars(cfg.Tools.Incentives.APIKey)
	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error
	switch c.Provider.Type {
	case "openai", "openai-compatible", "azure", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("provider.type: unsupported value %q", c.Provider.Type))
	}
	switch c.Storage.Type {
	case "file", "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unsupported value %q", c.Storage.Type))
	}
	if (c.Storage.Type == "sqlite" || c.Storage.Type == "postgres") && c.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn is required for %s storage", c.Storage.Type))
	}
	if c.Run.MaxMessages < 2 {
		errs = append(errs, fmt.Errorf("run.max_messages must be at least 2, got %d", c.Run.MaxMessages))
	}
	if c.Run.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("run.concurrency must be at least 1, got %d", c.Run.Concurrency))
	}
	if c.Run.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("run.batch_size must be at least 1, got %d", c.Run.BatchSize))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, errors.New("provider.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

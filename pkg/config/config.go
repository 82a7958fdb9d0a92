// Package config loads and validates the tidymark configuration.
//
// Configuration is an explicit value constructed once and passed into the
// pipeline; there is no process-global mutable state. Validation happens at
// load time so the rest of the code can rely on a well-formed config.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Defaults applied by Validate when fields are unset.
const (
	DefaultConfigFile  = ".tidymark.yaml"
	DefaultModel       = "gemini-2.0-flash"
	DefaultBaseURL     = "https://generativelanguage.googleapis.com"
	DefaultAPIKeyEnv   = "GEMINI_API_KEY"
	DefaultTimeoutSecs = 120

	defaultMaxAttempts        = 4
	defaultInitialBackoff     = 2 * time.Second
	defaultRateLimitDelay     = 15 * time.Second
	defaultMaxRateLimitEvents = 5
)

// ServiceConfig describes the formatting service endpoint.
type ServiceConfig struct {
	// BaseURL is the API root, without a trailing slash.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" hcl:"base_url,optional"`

	// Model is the model identifier used in the request path.
	Model string `json:"model,omitempty" yaml:"model,omitempty" hcl:"model,optional"`

	// APIKeyEnv names the environment variable holding the API key. The key
	// itself never appears in the config file.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty" hcl:"api_key_env,optional"`

	// TimeoutSeconds bounds a single request to the service.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" hcl:"timeout_seconds,optional"`

	// RequestsPerMinute throttles calls client-side. Zero disables pacing.
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty" hcl:"requests_per_minute,optional"`
}

// RetryConfig tunes the bounded-retry policy for service calls.
// Durations are strings in time.ParseDuration syntax (e.g. "2s").
type RetryConfig struct {
	MaxAttempts        int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" hcl:"max_attempts,optional"`
	InitialBackoff     string `json:"initial_backoff,omitempty" yaml:"initial_backoff,omitempty" hcl:"initial_backoff,optional"`
	RateLimitDelay     string `json:"rate_limit_delay,omitempty" yaml:"rate_limit_delay,omitempty" hcl:"rate_limit_delay,optional"`
	MaxRateLimitEvents int    `json:"max_rate_limit_events,omitempty" yaml:"max_rate_limit_events,omitempty" hcl:"max_rate_limit_events,optional"`

	initialBackoff time.Duration
	rateLimitDelay time.Duration
}

// Config is the complete tidymark configuration.
type Config struct {
	// Root is the directory tree to scan for markdown documents.
	Root string `json:"root" yaml:"root" hcl:"root,optional"`

	// Ignore holds doublestar globs (relative to Root) excluded from scanning.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore,omitempty" hcl:"ignore,optional"`

	// SkipDirs lists directory names skipped entirely during the walk,
	// in addition to dot-directories which are always skipped.
	SkipDirs []string `json:"skip_dirs,omitempty" yaml:"skip_dirs,omitempty" hcl:"skip_dirs,optional"`

	// IncludeReadme opts README.md files into formatting; they are skipped
	// by default.
	IncludeReadme bool `json:"include_readme,omitempty" yaml:"include_readme,omitempty" hcl:"include_readme,optional"`

	// RecheckAfter re-formats documents whose lock entry is older than this
	// window even when their content is unchanged (e.g. "168h"). Empty
	// disables rechecking.
	RecheckAfter string `json:"recheck_after,omitempty" yaml:"recheck_after,omitempty" hcl:"recheck_after,optional"`

	// Workers is the number of documents formatted concurrently.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty" hcl:"workers,optional"`

	Service *ServiceConfig `json:"service,omitempty" yaml:"service,omitempty" hcl:"service,block"`
	Retry   *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty" hcl:"retry,block"`

	location     string
	recheckAfter time.Duration
}

// Location returns the path the config was loaded from.
func (cfg *Config) Location() string {
	return cfg.location
}

// RecheckWindow returns the parsed recheck window; zero means disabled.
func (cfg *Config) RecheckWindow() time.Duration {
	return cfg.recheckAfter
}

// Backoff returns the parsed transient-retry base delay.
func (r *RetryConfig) Backoff() time.Duration {
	return r.initialBackoff
}

// RateLimitBackoff returns the parsed per-event rate-limit delay.
func (r *RetryConfig) RateLimitBackoff() time.Duration {
	return r.rateLimitDelay
}

// Validate checks the configuration and fills in defaults.
func (cfg *Config) Validate() error {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	cfg.Root = filepath.Clean(cfg.Root)

	if cfg.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	if cfg.RecheckAfter != "" {
		d, err := time.ParseDuration(cfg.RecheckAfter)
		if err != nil {
			return errors.Errorf("parsing recheck_after: %w", err)
		}
		if d < 0 {
			return errors.Errorf("recheck_after must not be negative")
		}
		cfg.recheckAfter = d
	}

	if cfg.Service == nil {
		cfg.Service = &ServiceConfig{}
	}
	if cfg.Service.BaseURL == "" {
		cfg.Service.BaseURL = DefaultBaseURL
	}
	if cfg.Service.Model == "" {
		cfg.Service.Model = DefaultModel
	}
	if cfg.Service.APIKeyEnv == "" {
		cfg.Service.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Service.TimeoutSeconds == 0 {
		cfg.Service.TimeoutSeconds = DefaultTimeoutSecs
	}
	if cfg.Service.TimeoutSeconds < 0 {
		return errors.Errorf("service.timeout_seconds must not be negative")
	}
	if cfg.Service.RequestsPerMinute < 0 {
		return errors.Errorf("service.requests_per_minute must not be negative")
	}

	if cfg.Retry == nil {
		cfg.Retry = &RetryConfig{}
	}
	if err := cfg.Retry.validate(); err != nil {
		return err
	}

	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defaultMaxAttempts
	}
	if r.MaxAttempts < 1 {
		return errors.Errorf("retry.max_attempts must be at least 1")
	}
	if r.MaxRateLimitEvents == 0 {
		r.MaxRateLimitEvents = defaultMaxRateLimitEvents
	}
	if r.MaxRateLimitEvents < 1 {
		return errors.Errorf("retry.max_rate_limit_events must be at least 1")
	}

	r.initialBackoff = defaultInitialBackoff
	if r.InitialBackoff != "" {
		d, err := time.ParseDuration(r.InitialBackoff)
		if err != nil {
			return errors.Errorf("parsing retry.initial_backoff: %w", err)
		}
		if d <= 0 {
			return errors.Errorf("retry.initial_backoff must be positive")
		}
		r.initialBackoff = d
	}

	r.rateLimitDelay = defaultRateLimitDelay
	if r.RateLimitDelay != "" {
		d, err := time.ParseDuration(r.RateLimitDelay)
		if err != nil {
			return errors.Errorf("parsing retry.rate_limit_delay: %w", err)
		}
		if d <= 0 {
			return errors.Errorf("retry.rate_limit_delay must be positive")
		}
		r.rateLimitDelay = d
	}

	return nil
}

// Hash returns a digest of the configuration, recorded in the lock file so a
// later run can tell whether the config changed since the state was written.
func (cfg *Config) Hash() string {
	data, err := json.Marshal(cfg)
	if err != nil {
		// Config is plain data; marshaling cannot realistically fail.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

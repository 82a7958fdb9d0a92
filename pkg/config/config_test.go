package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidymark/tidymark/pkg/config"
)

func testContext(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return logger.WithContext(context.Background())
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "tidymark.yaml", `
root: docs
ignore:
  - "**/drafts/**"
skip_dirs:
  - node_modules
recheck_after: 168h
workers: 4
service:
  model: gemini-2.0-flash
  requests_per_minute: 30
retry:
  max_attempts: 3
  initial_backoff: 1s
  rate_limit_delay: 10s
  max_rate_limit_events: 2
`)

	cfg, err := config.Load(testContext(t), path)
	require.NoError(t, err)

	assert.Equal(t, "docs", cfg.Root)
	assert.Equal(t, []string{"**/drafts/**"}, cfg.Ignore)
	assert.Equal(t, []string{"node_modules"}, cfg.SkipDirs)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 168*time.Hour, cfg.RecheckWindow())
	assert.Equal(t, 30, cfg.Service.RequestsPerMinute)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Backoff())
	assert.Equal(t, 10*time.Second, cfg.Retry.RateLimitBackoff())
	assert.Equal(t, 2, cfg.Retry.MaxRateLimitEvents)
	assert.Equal(t, path, cfg.Location())
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "tidymark.json", `{
  "root": "docs",
  "service": {"model": "gemini-2.0-flash"}
}`)

	cfg, err := config.Load(testContext(t), path)
	require.NoError(t, err)
	assert.Equal(t, "docs", cfg.Root)
	assert.Equal(t, "gemini-2.0-flash", cfg.Service.Model)
}

func TestLoadHCL(t *testing.T) {
	path := writeConfig(t, "tidymark.hcl", `
root = "docs"

service {
  model = "gemini-2.0-flash"
}

retry {
  max_attempts = 2
}
`)

	cfg, err := config.Load(testContext(t), path)
	require.NoError(t, err)
	assert.Equal(t, "docs", cfg.Root)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "unknown_yaml_field", file: "c.yaml", content: "rooot: docs\n"},
		{name: "unknown_json_field", file: "c.json", content: `{"rooot": "docs"}`},
		{name: "bad_recheck_duration", file: "c.yaml", content: "recheck_after: soon\n"},
		{name: "negative_workers", file: "c.yaml", content: "workers: -1\n"},
		{name: "bad_backoff", file: "c.yaml", content: "retry:\n  initial_backoff: fast\n"},
		{name: "unsupported_extension", file: "c.toml", content: "root = 'docs'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			_, err := config.Load(testContext(t), path)
			require.Error(t, err)
		})
	}

	t.Run("missing_file", func(t *testing.T) {
		_, err := config.Load(testContext(t), filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "tidymark.yaml", "root: docs\n")

	cfg, err := config.Load(testContext(t), path)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultBaseURL, cfg.Service.BaseURL)
	assert.Equal(t, config.DefaultModel, cfg.Service.Model)
	assert.Equal(t, config.DefaultAPIKeyEnv, cfg.Service.APIKeyEnv)
	assert.Equal(t, config.DefaultTimeoutSecs, cfg.Service.TimeoutSeconds)
	assert.Equal(t, 1, cfg.Workers)
	assert.Zero(t, cfg.RecheckWindow(), "recheck disabled by default")
	assert.GreaterOrEqual(t, cfg.Retry.MaxAttempts, 1)
	assert.Positive(t, cfg.Retry.Backoff())
	assert.Positive(t, cfg.Retry.RateLimitBackoff())
}

func TestHash(t *testing.T) {
	path := writeConfig(t, "tidymark.yaml", "root: docs\n")
	cfg, err := config.Load(testContext(t), path)
	require.NoError(t, err)

	other, err := config.Load(testContext(t), path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Hash(), other.Hash(), "same config should hash identically")

	other.Root = "elsewhere"
	assert.NotEqual(t, cfg.Hash(), other.Hash(), "changed config should hash differently")
}

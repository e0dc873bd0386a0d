package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  bind_address: "0.0.0.0"
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

storage:
  counter_store_url: "redis://localhost:6379/0"
  audit_store_url: "sqlite:///var/omen/audit.db"

providers:
  openai:
    enabled: true
    api_key: ${TEST_API_KEY}
    base_url: https://api.openai.com/v1
    models:
      - gpt-4o
      - gpt-4o-mini
  ollama:
    enabled: true
    endpoints:
      - http://localhost:11434
      - http://localhost:11435
    policy: least_loaded
    local: true
    models:
      - qwen2.5-coder

routing:
  prefer_local_for: [code, tests, regex]
  budget_monthly_usd: 500
  default_strategy: single
  default_max_latency_ms: 8000
  default_weights:
    health: 0.4
    latency: 0.3
    cost: 0.2
    reliability: 0.1

cache:
  enabled: true
  ttl_seconds: 300
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("TEST_API_KEY", "my-secret-key")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.BindAddress)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.CounterStoreURL)

	openai, ok := cfg.Providers["openai"]
	assert.True(t, ok, "openai provider should exist")
	assert.Equal(t, "my-secret-key", openai.APIKey)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, openai.Models)

	ollama, ok := cfg.Providers["ollama"]
	assert.True(t, ok, "ollama provider should exist")
	assert.Equal(t, []string{"http://localhost:11434", "http://localhost:11435"}, ollama.Endpoints)
	assert.True(t, ollama.Local)

	assert.Equal(t, []string{"code", "tests", "regex"}, cfg.Routing.PreferLocalFor)
	assert.Equal(t, 500.0, cfg.Routing.BudgetMonthlyUSD)
	assert.Equal(t, 0.4, cfg.Routing.DefaultWeights["health"])

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
}

func TestLoadEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// OMEN_SERVER_PORT should override server.port from 8080 to 3000.
	t.Setenv("OMEN_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadSecretIndirection(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
providers:
  anthropic:
    enabled: true
    api_key: "env:ANTHROPIC_TEST_KEY"
    base_url: https://api.anthropic.com
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("ANTHROPIC_TEST_KEY", "sk-ant-test")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", cfg.Providers["anthropic"].APIKey)
}

func TestLoadAzureEndpointValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
providers:
  azure:
    enabled: true
    api_key: "test-key"
    endpoint: "not-a-url"
    api_version: "2024-02-15-preview"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	_, err = Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute URL")
}

func TestLoadAzureEndpointTrimsTrailingSlash(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
providers:
  azure:
    enabled: true
    api_key: "test-key"
    endpoint: "https://my-resource.openai.azure.com/"
    api_version: "2024-02-15-preview"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "https://my-resource.openai.azure.com", cfg.Providers["azure"].Endpoint)
}

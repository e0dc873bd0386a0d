// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the fixed project prefix for environment-variable
// overrides of the config file.
const envPrefix = "OMEN_"

// Config is the top-level configuration for the gateway: one document, two
// equivalent surfaces (this YAML shape, and OMEN_-prefixed env vars that
// override it key-for-key).
type Config struct {
	Server     ServerConfig               `koanf:"server"`
	Storage    StorageConfig              `koanf:"storage"`
	Providers  map[string]ProviderConfig  `koanf:"providers"`
	Routing    RoutingConfig              `koanf:"routing"`
	Cache      CacheConfig                `koanf:"cache"`
	Principals map[string]PrincipalConfig `koanf:"principals"`
}

// PrincipalConfig is a static bearer-token-to-principal table entry. Real
// deployments are expected to supply their own server.Authenticator backed
// by whatever key store or SSO verification they run (SSO token
// verification is treated as an external collaborator here); this table only backs
// the default StaticKeyAuthenticator for single-operator deployments, keyed
// by the literal bearer token a client presents.
type PrincipalConfig struct {
	ID               string   `koanf:"id"`
	ScopedProviders  []string `koanf:"scoped_providers"`
	ScopedModels     []string `koanf:"scoped_models"`
	BudgetMonthlyUSD float64  `koanf:"budget_monthly_usd"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	BindAddress  string        `koanf:"bind_address"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// StorageConfig names the external collaborators the gateway itself
// stays agnostic to: any key-value store satisfying the CounterStore contract,
// any ordered store satisfying the AuditStore contract, and an optional
// cache backend URL. An empty URL selects the in-memory implementation.
type StorageConfig struct {
	CounterStoreURL string `koanf:"counter_store_url"`
	AuditStoreURL   string `koanf:"audit_store_url"`
	CacheURL        string `koanf:"cache_url"`
}

// CostOverride replaces a model descriptor's advertised per-1K pricing,
// for self-hosted deployments or negotiated rates that differ from a
// vendor's public list price.
type CostOverride struct {
	CostInPer1K  float64 `koanf:"cost_in_per_1k"`
	CostOutPer1K float64 `koanf:"cost_out_per_1k"`
}

// ProviderConfig holds the settings for a single LLM provider block.
// Fields not meaningful to a given vendor (e.g. Endpoints for anything but
// Ollama, Deployments for anything but Azure) are simply left zero.
type ProviderConfig struct {
	Enabled bool `koanf:"enabled"`

	// Credentials. APIKey covers the common case (OpenAI, Anthropic,
	// Google, xAI, Azure's api-key header); AccessKey/SecretKey are
	// Bedrock's SigV4 pair.
	APIKey    string `koanf:"api_key"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`

	BaseURL string `koanf:"base_url"`
	Region  string `koanf:"region"`

	// Azure-specific: the endpoint, which must validate as absolute and
	// non-empty (Azure's well-known misconfiguration), the API version query parameter,
	// and the deployment-name map (model id -> deployment name).
	Endpoint       string            `koanf:"endpoint"`
	APIVersion     string            `koanf:"api_version"`
	Deployments    map[string]string `koanf:"deployments"`

	// Ollama-specific: the endpoint pool and its load-balancing policy
	// (least_loaded, round_robin, random).
	Endpoints []string `koanf:"endpoints"`
	Policy    string   `koanf:"policy"`

	Models        []string                `koanf:"models"`
	CostOverrides map[string]CostOverride `koanf:"cost_overrides"`

	// PrefersReasoning marks a cloud provider eligible for the
	// reason/math intent bias bonus.
	PrefersReasoning bool `koanf:"prefers_reasoning"`
	// Local marks a provider eligible for the code/tests/regex intent
	// bias bonus, independent of RoutingConfig.PreferLocalFor so a
	// deployment can run a self-hosted model that isn't Ollama.
	Local bool `koanf:"local"`
}

// RoutingConfig is the `[routing]` block.
type RoutingConfig struct {
	PreferLocalFor      []string           `koanf:"prefer_local_for"`
	BudgetMonthlyUSD     float64            `koanf:"budget_monthly_usd"`
	DefaultStrategy      string             `koanf:"default_strategy"`
	DefaultMaxLatencyMS  int                `koanf:"default_max_latency_ms"`
	DefaultWeights       map[string]float64 `koanf:"default_weights"`
}

// CacheConfig is the `[cache]` block.
type CacheConfig struct {
	Enabled    bool `koanf:"enabled"`
	TTLSeconds int  `koanf:"ttl_seconds"`
}

// Load reads configuration from a YAML file, layers OMEN_-prefixed
// environment variable overrides on top, resolves indirected secrets, and
// returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// "." is the delimiter koanf uses to separate nested keys internally
	// (e.g. "server.port").
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "OMEN_" can override a config value:
	//   OMEN_SERVER_PORT -> server.port
	//   OMEN_PROVIDERS_OPENAI_API_KEY -> providers.openai.api_key
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	resolveSecrets(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveSecrets expands indirected secret values in every provider block.
// Two forms are honored: `${VAR_NAME}` and `env:VAR_NAME`, both resolved
// against the process environment.
func resolveSecrets(cfg *Config) {
	for name, p := range cfg.Providers {
		p.APIKey = resolveSecret(p.APIKey)
		p.AccessKey = resolveSecret(p.AccessKey)
		p.SecretKey = resolveSecret(p.SecretKey)
		cfg.Providers[name] = p
	}
}

func resolveSecret(v string) string {
	if strings.HasPrefix(v, "env:") {
		return os.Getenv(strings.TrimPrefix(v, "env:"))
	}
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// validate enforces a recurring misconfiguration: an Azure block's
// endpoint must be absolute (scheme + host), trimmed
// of trailing slashes, and non-empty once trimmed.
func validate(cfg *Config) error {
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		if strings.EqualFold(name, "azure") {
			endpoint := strings.TrimRight(p.Endpoint, "/")
			if endpoint == "" {
				return fmt.Errorf("providers.azure.endpoint must not be empty")
			}
			if !strings.Contains(endpoint, "://") {
				return fmt.Errorf("providers.azure.endpoint must be an absolute URL (scheme + host), got %q", p.Endpoint)
			}
			p.Endpoint = endpoint
			cfg.Providers[name] = p
		}
	}
	return nil
}

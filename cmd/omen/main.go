// Package main is the entry point for the OMEN gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/omen-gateway/omen/internal/cache"
	"github.com/omen-gateway/omen/internal/config"
	"github.com/omen-gateway/omen/internal/logging"
	"github.com/omen-gateway/omen/internal/multiplex"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/provider"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/router"
	"github.com/omen-gateway/omen/internal/server"
	"github.com/omen-gateway/omen/internal/store"
	"github.com/omen-gateway/omen/internal/usage"
)

// defaultContextTokens backs a model descriptor built from a bare
// `providers.<id>.models` entry that carries no cost_overrides block.
// Cloud vendors publish far larger windows; this is a conservative
// placeholder an operator is expected to override per-model.
const defaultContextTokens = 32_000

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(os.Stdout)

	reg := registry.New(registry.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := registerProviders(ctx, cfg, reg); err != nil {
		cancel()
		log.Fatalf("failed to register providers: %v", err)
	}
	cancel()

	counterStore, err := buildCounterStore(cfg.Storage.CounterStoreURL)
	if err != nil {
		log.Fatalf("failed to build counter store: %v", err)
	}

	auditStore, err := buildAuditStore(cfg.Storage.AuditStoreURL)
	if err != nil {
		log.Fatalf("failed to build audit store: %v", err)
	}

	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	var respCache *cache.Cache
	if cfg.Cache.Enabled {
		cacheBackend, err := buildCacheStore(cfg.Storage.CacheURL)
		if err != nil {
			log.Fatalf("failed to build cache store: %v", err)
		}
		respCache = cache.New(cacheBackend, ttl)
	}

	principals, capSource := buildPrincipals(cfg)

	admissionCfg := usage.DefaultConfig()
	usagePipeline := usage.NewPipeline(admissionCfg, counterStore, capSource)

	weights := router.DefaultWeights()
	if dw := cfg.Routing.DefaultWeights; len(dw) > 0 {
		if v, ok := dw["health"]; ok {
			weights.Health = v
		}
		if v, ok := dw["latency"]; ok {
			weights.Latency = v
		}
		if v, ok := dw["cost"]; ok {
			weights.Cost = v
		}
		if v, ok := dw["reliability"]; ok {
			weights.Reliability = v
		}
	}

	bias := router.DefaultIntentBias()
	for name, p := range cfg.Providers {
		if p.Local {
			bias.LocalProviders[name] = true
		}
		if p.PrefersReasoning {
			bias.ReasoningProviders[name] = true
		}
	}
	if len(cfg.Routing.PreferLocalFor) > 0 {
		bias.LocalIntents = make(map[omentypes.Intent]bool, len(cfg.Routing.PreferLocalFor))
		for _, name := range cfg.Routing.PreferLocalFor {
			bias.LocalIntents[omentypes.Intent(name)] = true
		}
	}

	scorer := router.NewScorer(weights, bias)
	stickiness := store.NewStickinessStore(100_000, time.Minute)

	rt := router.New(reg, scorer,
		router.WithStickinessStore(stickiness),
		router.WithBudgetSource(usagePipeline),
	)

	mplexCfg := multiplex.DefaultConfig()
	if cfg.Routing.DefaultMaxLatencyMS > 0 {
		mplexCfg.DefaultMaxLatencyMS = cfg.Routing.DefaultMaxLatencyMS
	}

	srv := server.New(server.Deps{
		Registry:        reg,
		Router:          rt,
		MultiplexConfig: mplexCfg,
		Usage:           usagePipeline,
		Cache:           respCache,
		Audit:           auditStore,
		Auth:            server.NewStaticKeyAuthenticator(principals),
		Logger:          logger,
	})

	probeCtx, stopProbes := context.WithCancel(context.Background())
	go reg.Run(probeCtx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("omen listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("omen shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	stopProbes()
	reg.Stop()
	_ = counterStore.Close()
	_ = auditStore.Close()
}

// providerFactory builds one adapter from its config block and the model
// descriptors derived from it.
type providerFactory func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error)

func providerFactories() map[string]providerFactory {
	client := http.DefaultClient
	return map[string]providerFactory{
		"openai": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			return provider.NewOpenAIProvider(pc.APIKey, pc.BaseURL, client, models), nil
		},
		"xai": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			return provider.NewXAIProvider(pc.APIKey, pc.BaseURL, client, models), nil
		},
		"anthropic": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			return provider.NewAnthropicProvider(pc.APIKey, pc.BaseURL, client, models), nil
		},
		"google": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			return provider.NewGoogleProvider(pc.APIKey, pc.BaseURL, client, models), nil
		},
		"azure": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			return provider.NewAzureProvider(pc.APIKey, pc.Endpoint, pc.APIVersion, pc.Deployments, client, models)
		},
		"bedrock": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			signer := provider.NewSigV4Signer(pc.AccessKey, pc.SecretKey, pc.Region, "bedrock")
			return provider.NewBedrockProvider(pc.Region, pc.AccessKey, pc.SecretKey, signer, client, models), nil
		},
		"ollama": func(id string, pc config.ProviderConfig, models []omentypes.ModelDescriptor) (provider.Provider, error) {
			policy := provider.EndpointPolicy(pc.Policy)
			return provider.NewOllamaProvider(pc.Endpoints, policy, client, models), nil
		},
	}
}

// registerProviders constructs an adapter for every enabled provider block
// in cfg and registers it with reg. Registration is whole-provider: the
// registry's own catalog merge (internal/registry.Registry.Catalog) does
// the per-model union, so nothing here tracks individual models.
func registerProviders(ctx context.Context, cfg *config.Config, reg *registry.Registry) error {
	factories := providerFactories()
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		factory, ok := factories[name]
		if !ok {
			return fmt.Errorf("unknown provider in config: %q", name)
		}

		models := buildModelDescriptors(name, pc)
		adapter, err := factory(name, pc, models)
		if err != nil {
			return fmt.Errorf("constructing provider %q: %w", name, err)
		}

		if err := reg.Register(ctx, name, adapter); err != nil {
			return fmt.Errorf("registering provider %q: %w", name, err)
		}
		log.Printf("registered provider %q with %d model(s)", name, len(models))
	}
	return nil
}

// buildModelDescriptors turns a provider config block's flat Models list
// into descriptors, applying any per-model CostOverrides entry and a
// conservative default context window. The registry's periodic
// ListModels refresh is expected to replace these with vendor-reported
// descriptors where an adapter can fetch them.
func buildModelDescriptors(providerID string, pc config.ProviderConfig) []omentypes.ModelDescriptor {
	out := make([]omentypes.ModelDescriptor, 0, len(pc.Models))
	for _, modelID := range pc.Models {
		d := omentypes.ModelDescriptor{
			ProviderID:    providerID,
			ModelID:       modelID,
			ContextTokens: defaultContextTokens,
			Capabilities:  omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming),
		}
		if override, ok := pc.CostOverrides[modelID]; ok {
			d.CostInPer1K = override.CostInPer1K
			d.CostOutPer1K = override.CostOutPer1K
		}
		out = append(out, d)
	}
	return out
}

// buildCounterStore selects a usage.CounterStore backend from the
// storage.counter_store_url config value: empty or "mem://" gets an
// in-memory store, "redis://..." connects to Redis.
func buildCounterStore(rawURL string) (usage.CounterStore, error) {
	if rawURL == "" || rawURL == "mem://" {
		return usage.NewMemStore(), nil
	}
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing storage.counter_store_url: %w", err)
	}
	client := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to counter store redis: %w", err)
	}
	return usage.NewRedisStoreFromClient(client, "omen:usage:"), nil
}

// buildCacheStore selects a cache.Store backend from the
// storage.cache_url config value: empty or "mem://" gets an in-memory
// store with a background TTL sweep, "redis://..." connects to Redis.
func buildCacheStore(rawURL string) (cache.Store, error) {
	if rawURL == "" || rawURL == "mem://" {
		return cache.NewMemStore(time.Minute), nil
	}
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing storage.cache_url: %w", err)
	}
	client := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to cache redis: %w", err)
	}
	return cache.NewRedisStoreFromClient(client, "omen:cache:"), nil
}

// buildAuditStore selects a store.AuditStore backend from the
// storage.audit_store_url config value: empty gets a bounded in-memory
// ring buffer, "sqlite://..." or a bare filesystem path opens a SQLite
// database.
func buildAuditStore(rawURL string) (store.AuditStore, error) {
	if rawURL == "" {
		return store.NewMemAuditStore(10_000), nil
	}
	dsn := rawURL
	const sqlitePrefix = "sqlite://"
	if len(dsn) >= len(sqlitePrefix) && dsn[:len(sqlitePrefix)] == sqlitePrefix {
		dsn = dsn[len(sqlitePrefix):]
	}
	return store.NewSQLiteAuditStore(dsn)
}

// principalCapSource implements usage.BudgetCapSource from the static
// principals table loaded at startup.
type principalCapSource struct {
	capsUSD map[string]float64
}

func (s *principalCapSource) CapUSD(principalID string, _ usage.BudgetWindow) (float64, bool) {
	cap, ok := s.capsUSD[principalID]
	if !ok || cap <= 0 {
		return 0, false
	}
	return cap, true
}

// buildPrincipals turns config's static bearer-token table into the
// StaticKeyAuthenticator's token->Principal map and a BudgetCapSource
// keyed by principal id.
func buildPrincipals(cfg *config.Config) (map[string]*omentypes.Principal, usage.BudgetCapSource) {
	principals := make(map[string]*omentypes.Principal, len(cfg.Principals))
	caps := &principalCapSource{capsUSD: make(map[string]float64, len(cfg.Principals))}

	for token, pc := range cfg.Principals {
		id := pc.ID
		if id == "" {
			id = token
		}
		principals[token] = &omentypes.Principal{
			ID:              id,
			ScopedProviders: pc.ScopedProviders,
			ScopedModels:    pc.ScopedModels,
			BudgetBucket:    id,
			RateBucket:      id,
		}
		if pc.BudgetMonthlyUSD > 0 {
			caps.capsUSD[id] = pc.BudgetMonthlyUSD
		}
	}

	return principals, caps
}

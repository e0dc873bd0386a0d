// Package server exposes the gateway's HTTP API: the OpenAI-compatible
// chat/completions/embeddings/models surface, the OMEN-specific
// health/scoring endpoints, and Prometheus metrics. It owns nothing of
// its own beyond routing and request decoding — every decision
// (candidate selection, admission, dispatch) is delegated to the
// collaborator packages it's wired with.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omen-gateway/omen/internal/cache"
	"github.com/omen-gateway/omen/internal/logging"
	"github.com/omen-gateway/omen/internal/multiplex"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/router"
	"github.com/omen-gateway/omen/internal/store"
	"github.com/omen-gateway/omen/internal/usage"
)

// Server holds the HTTP router and every collaborator a handler needs.
type Server struct {
	chi chi.Router

	registry     *registry.Registry
	router       *router.Router
	multiplexCfg multiplex.Config
	usage        *usage.Pipeline
	cache        *cache.Cache
	audit        store.AuditStore
	metrics      *usage.Metrics
	auth         Authenticator
	logger       *slog.Logger
	startedAt    time.Time
}

// Deps bundles Server's collaborators. Any nil field gets a permissive
// default: an in-memory audit store, a freshly built Metrics registry, an
// in-memory usage pipeline with no budget caps, an authenticator that
// rejects every token (a misconfiguration an operator will notice
// immediately rather than silently running unauthenticated).
// MultiplexConfig defaults to multiplex.DefaultConfig() when zero.
type Deps struct {
	Registry      *registry.Registry
	Router        *router.Router
	MultiplexConfig multiplex.Config
	Usage         *usage.Pipeline
	Cache         *cache.Cache
	Audit         store.AuditStore
	Metrics       *usage.Metrics
	Auth          Authenticator
	Logger        *slog.Logger
}

// New builds a Server, wires its middleware chain and routes, and
// returns it ready to use as an http.Handler.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.New(os.Stdout)
	}
	if deps.Audit == nil {
		deps.Audit = store.NewMemAuditStore(10_000)
	}
	if deps.Metrics == nil {
		deps.Metrics = usage.NewMetrics()
	}
	if deps.Auth == nil {
		deps.Auth = NewStaticKeyAuthenticator(nil)
	}
	if deps.Usage == nil {
		deps.Usage = usage.NewPipeline(usage.DefaultConfig(), usage.NewMemStore(), nil)
	}
	if (deps.MultiplexConfig == multiplex.Config{}) {
		deps.MultiplexConfig = multiplex.DefaultConfig()
	}
	s := &Server{
		registry:     deps.Registry,
		router:       deps.Router,
		multiplexCfg: deps.MultiplexConfig,
		usage:        deps.Usage,
		cache:        deps.Cache,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		auth:         deps.Auth,
		logger:       deps.Logger,
		startedAt:    time.Now(),
	}
	s.routes()
	return s
}

// routes builds the chi router with the middleware chain (request id,
// panic recovery, structured logging) ahead of the authenticated route
// group.
func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.logger))

	// Unauthenticated: liveness/readiness probes and metrics scraping.
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/completions", s.handleCompletions)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleModels)

		r.Get("/omen/providers", s.handleOmenProviders)
		r.Get("/omen/providers/{id}/health", s.handleOmenProviderHealth)
		r.Get("/omen/providers/scores", s.handleOmenProviderScores)
	})

	s.chi = r
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.chi.ServeHTTP(w, r)
}

// resolveCandidates turns router.Select's ordered descriptor list into
// multiplex.Candidate values, looking each one's live adapter up in the
// registry. A descriptor whose provider vanished between Select and
// dispatch (a Register racing a request) is simply skipped.
func (s *Server) resolveCandidates(descs []omentypes.ModelDescriptor) []multiplex.Candidate {
	out := make([]multiplex.Candidate, 0, len(descs))
	for _, d := range descs {
		adapter, ok := s.registry.Get(d.ProviderID)
		if !ok {
			continue
		}
		out = append(out, multiplex.Candidate{
			ProviderID: d.ProviderID,
			ModelID:    d.ModelID,
			Descriptor: d,
			Adapter:    adapter,
		})
	}
	return out
}

// requestUsageRecorder adapts internal/usage's Pipeline to
// multiplex.UsageRecorder for a single request's principal. A Multiplexer
// is cheap (cfg plus this recorder) and is therefore constructed fresh per
// request — accounting needs the caller's principal, which the
// process-wide Pipeline doesn't otherwise see.
type requestUsageRecorder struct {
	pipeline  *usage.Pipeline
	principal *omentypes.Principal
}

func (r *requestUsageRecorder) CommitPartial(providerID, modelID string, u omentypes.Usage) {
	r.commit(providerID, u)
}

func (r *requestUsageRecorder) CommitFinal(providerID, modelID string, u omentypes.Usage) {
	r.commit(providerID, u)
}

func (r *requestUsageRecorder) commit(providerID string, u omentypes.Usage) {
	if r.pipeline == nil || r.principal == nil {
		return
	}
	// Uses a fresh background context, not the inbound request's: a client
	// disconnect cancels the request context but must not prevent a
	// loser's partial usage from being recorded.
	_ = r.pipeline.RecordUsage(context.Background(), r.principal, providerID, u)
}

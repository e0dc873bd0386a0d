// Package provider implements the per-vendor adapter contract: translating
// the gateway's unified request/response/stream-event shapes into each
// LLM vendor's wire format and back.
//
// Every adapter implements Provider. The rest of the gateway — registry,
// router, multiplexer — only ever depends on this interface, never on a
// concrete vendor type, so a new vendor is a new file in this package and
// one line in cmd/omen's constructor table.
package provider

import (
	"context"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// Provider is the interface every LLM backend adapter satisfies.
type Provider interface {
	// Name returns the provider id, e.g. "openai", "anthropic", "ollama".
	// Used for logging, metrics labels, audit records, and the
	// provider-qualified model id on responses.
	Name() string

	// Capabilities reports what this adapter can do, independent of which
	// specific models are registered. The registry/router use this to
	// filter candidates before ever calling into the adapter.
	Capabilities() omentypes.Capabilities

	// ListModels returns the adapter's model catalog. Called at
	// registration and on a periodic refresh. May return a
	// provider_unavailable error, which the registry turns into an
	// unhealthy flag without deregistering the provider.
	ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error)

	// HealthProbe performs the cheapest non-trivial call this provider
	// allows and reports the outcome. Called on a fixed cadence and on
	// demand via the /omen/providers/{id}/health endpoint.
	HealthProbe(ctx context.Context) (omentypes.HealthStatus, error)

	// ChatCompletion sends a non-streaming request and waits for the
	// complete response. ctx carries cancellation: if the caller gives up,
	// the adapter must stop waiting on the upstream call.
	ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error)

	// ChatCompletionStream sends a streaming request and returns a
	// receive-only channel of unified stream events. The adapter owns the
	// channel: it writes events as they arrive and closes the channel when
	// the upstream stream ends, errors, or ctx is cancelled. The returned
	// sequence is finite and non-restartable.
	ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error)
}

// Embedder is an optional capability some adapters implement in addition
// to Provider; the /v1/embeddings handler type-asserts for it rather than forcing every
// adapter to carry a no-op Embeddings method. Narrow per-capability
// interfaces beat one do-everything interface here.
type Embedder interface {
	Embeddings(ctx context.Context, input []string, model string) (*EmbeddingResponse, error)
}

// EmbeddingResponse is the unified embeddings result.
type EmbeddingResponse struct {
	Model   string
	Vectors [][]float64
	Usage   omentypes.Usage
}

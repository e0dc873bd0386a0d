package provider

import (
	"net/http"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// NewXAIProvider builds a Provider for xAI's Grok models. xAI's API is
// byte-for-byte OpenAI-shaped (same chat completions endpoint, same SSE
// delta frames), so this just points OpenAIProvider at xAI's base URL
// under a different Name() rather than duplicating the wire plumbing.
func NewXAIProvider(apiKey, baseURL string, client *http.Client, models []omentypes.ModelDescriptor) *OpenAIProvider {
	p := NewOpenAIProvider(apiKey, baseURL, client, models)
	p.name = "xai"
	return p
}

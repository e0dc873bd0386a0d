package router

import (
	"context"
	"errors"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/registry"
)

type stubProvider struct {
	name   string
	caps   omentypes.Capabilities
	models []omentypes.ModelDescriptor
}

func (s *stubProvider) Name() string                        { return s.name }
func (s *stubProvider) Capabilities() omentypes.Capabilities { return s.caps }
func (s *stubProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return s.models, nil
}
func (s *stubProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	return omentypes.HealthStatus{Healthy: true, LastLatencyMS: 80}, nil
}
func (s *stubProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (s *stubProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func buildTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())

	openai := &stubProvider{
		name: "openai",
		caps: omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming, omentypes.CapVision, omentypes.CapTools),
		models: []omentypes.ModelDescriptor{
			{ProviderID: "openai", ModelID: "gpt-4o", ContextTokens: 128000, CostInPer1K: 0.005, CostOutPer1K: 0.015,
				Capabilities: omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming, omentypes.CapVision, omentypes.CapTools)},
		},
	}
	ollama := &stubProvider{
		name: "ollama",
		caps: omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming),
		models: []omentypes.ModelDescriptor{
			{ProviderID: "ollama", ModelID: "gpt-4o", ContextTokens: 32000, CostInPer1K: 0, CostOutPer1K: 0,
				Capabilities: omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming)},
		},
	}
	reg.Register(context.Background(), "openai", openai)
	reg.Register(context.Background(), "ollama", ollama)
	reg.ProbeOnce(context.Background())
	return reg
}

func simpleRequest(model string) *omentypes.ChatRequest {
	return &omentypes.ChatRequest{
		Model:    model,
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.NewTextContent("hi")}},
	}
}

func TestSelectAutoPicksHighestScoring(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	out, err := rt.Select(context.Background(), simpleRequest("auto"), nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("single strategy should return 1 candidate, got %d", len(out))
	}
	if out[0].ProviderID != "ollama" {
		t.Fatalf("expected the free ollama model to score highest, got %q", out[0].ProviderID)
	}
}

func TestSelectAmbiguousAliasTieBreaksByScore(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	out, err := rt.Select(context.Background(), simpleRequest("gpt-4o"), nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected a single resolved candidate, got %d", len(out))
	}
	// Both providers probe identically, so health, latency and reliability
	// tie; ollama's gpt-4o is free and wins on cost_score. Capabilities are
	// a filter, not a scoring term.
	if out[0].ProviderID != "ollama" {
		t.Fatalf("unexpected provider %q", out[0].ProviderID)
	}
}

func TestSelectExactProviderQualifiedModel(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	out, err := rt.Select(context.Background(), simpleRequest("ollama/gpt-4o"), nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 1 || out[0].ProviderID != "ollama" {
		t.Fatalf("expected ollama/gpt-4o, got %+v", out)
	}
}

func TestSelectCapabilityFilterRejectsVisionOnOllama(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	req := simpleRequest("ollama/gpt-4o")
	req.Messages = []omentypes.Message{{
		Role: omentypes.RoleUser,
		Content: omentypes.NewPartsContent(
			omentypes.ContentPart{Type: omentypes.ContentPartImage, ImageURL: &omentypes.ImageURL{URL: "https://example.com/x.png"}},
		),
	}}

	_, err := rt.Select(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected NoEligibleProvider for a vision request against a non-vision-capable model")
	}
	if err.Kind != omentypes.ErrNoEligibleProvider {
		t.Fatalf("expected ErrNoEligibleProvider, got %v", err.Kind)
	}
}

func TestSelectPrincipalScopeExcludesProvider(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	principal := &omentypes.Principal{ID: "p1", ScopedProviders: []string{"ollama"}}
	out, err := rt.Select(context.Background(), simpleRequest("auto"), principal)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if out[0].ProviderID != "ollama" {
		t.Fatalf("expected scope to restrict selection to ollama, got %q", out[0].ProviderID)
	}
}

func TestSelectNoEligibleProviderCarriesReasons(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	req := simpleRequest("auto")
	req.Omen = &omentypes.RoutingHint{Providers: []string{"nonexistent"}}
	_, err := rt.Select(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected an error when the allowlist excludes every provider")
	}
	if len(err.Reasons) == 0 {
		t.Fatal("expected elimination reasons to be populated")
	}
}

type memStickiness struct {
	records map[string]omentypes.StickinessRecord
}

func (m *memStickiness) Get(sessionID string) (omentypes.StickinessRecord, bool) {
	rec, ok := m.records[sessionID]
	return rec, ok
}

func (m *memStickiness) Set(rec omentypes.StickinessRecord) {
	m.records[rec.SessionID] = rec
}

func TestSelectStickinessKeepsPreviousWinner(t *testing.T) {
	reg := buildTestRegistry(t)
	sticky := &memStickiness{records: map[string]omentypes.StickinessRecord{}}
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()), WithStickinessStore(sticky))

	first := simpleRequest("auto")
	first.Omen = &omentypes.RoutingHint{Stickiness: omentypes.StickinessSession, SessionID: "sess-1"}
	out1, err := rt.Select(context.Background(), first, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	// A second turn of the same session must keep the first winner even if
	// scoring would now prefer another provider.
	second := simpleRequest("auto")
	second.Omen = &omentypes.RoutingHint{Stickiness: omentypes.StickinessSession, SessionID: "sess-1"}
	out2, err := rt.Select(context.Background(), second, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if out2[0].ProviderID != out1[0].ProviderID {
		t.Fatalf("stickiness should pin the session to %q, got %q", out1[0].ProviderID, out2[0].ProviderID)
	}
}

func TestSelectExplicitRaceOverridesStickiness(t *testing.T) {
	reg := buildTestRegistry(t)
	sticky := &memStickiness{records: map[string]omentypes.StickinessRecord{}}
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()), WithStickinessStore(sticky))

	first := simpleRequest("auto")
	first.Omen = &omentypes.RoutingHint{Stickiness: omentypes.StickinessSession, SessionID: "sess-2"}
	if _, err := rt.Select(context.Background(), first, nil); err != nil {
		t.Fatalf("Select: %v", err)
	}

	second := simpleRequest("auto")
	second.Omen = &omentypes.RoutingHint{
		Stickiness: omentypes.StickinessSession,
		SessionID:  "sess-2",
		Strategy:   omentypes.StrategyRace,
		K:          2,
	}
	out, err := rt.Select(context.Background(), second, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("explicit race should fan out past the sticky winner, got %d candidates", len(out))
	}
}

func TestSelectRaceStrategyReturnsMultipleCandidates(t *testing.T) {
	reg := buildTestRegistry(t)
	rt := New(reg, NewScorer(DefaultWeights(), DefaultIntentBias()))

	req := simpleRequest("auto")
	req.Omen = &omentypes.RoutingHint{Strategy: omentypes.StrategyRace, K: 2}
	out, err := rt.Select(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates for race with k=2, got %d", len(out))
	}
}

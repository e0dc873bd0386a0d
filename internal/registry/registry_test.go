package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// fakeProvider is a minimal Provider double for registry tests; it never
// makes network calls and lets the test script its health/catalog
// responses.
type fakeProvider struct {
	name      string
	models    []omentypes.ModelDescriptor
	caps      omentypes.Capabilities
	healthy   bool
	listErr   error
	probeErr  error
	latencyMS int64
}

func (f *fakeProvider) Name() string                        { return f.name }
func (f *fakeProvider) Capabilities() omentypes.Capabilities { return f.caps }

func (f *fakeProvider) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeProvider) HealthProbe(ctx context.Context) (omentypes.HealthStatus, error) {
	if f.probeErr != nil {
		return omentypes.HealthStatus{Healthy: false, Details: f.probeErr.Error()}, f.probeErr
	}
	return omentypes.HealthStatus{Healthy: f.healthy, LastLatencyMS: f.latencyMS}, nil
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, req *omentypes.ChatRequest) (*omentypes.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func newFake(name string, healthy bool) *fakeProvider {
	return &fakeProvider{
		name:    name,
		healthy: healthy,
		caps:    omentypes.Capabilities(0).With(omentypes.CapChat, omentypes.CapStreaming),
		models: []omentypes.ModelDescriptor{
			{ProviderID: name, ModelID: "model-a", ContextTokens: 8192},
		},
		latencyMS: 100,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(DefaultConfig())
	p := newFake("openai", true)
	if err := r.Register(context.Background(), "openai", p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Get("openai")
	if !ok || got != p {
		t.Fatalf("Get did not return the registered adapter")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("Get should report false for an unregistered id")
	}
}

func TestCatalogUniquifiesByProviderAndModel(t *testing.T) {
	r := New(DefaultConfig())
	a := newFake("openai", true)
	b := newFake("anthropic", true)
	r.Register(context.Background(), "openai", a)
	r.Register(context.Background(), "anthropic", b)

	cat := r.Catalog()
	if len(cat) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(cat))
	}
	seen := map[string]bool{}
	for _, c := range cat {
		key := c.Descriptor.ProviderID + "/" + c.Descriptor.ModelID
		if seen[key] {
			t.Fatalf("duplicate catalog entry for %s", key)
		}
		seen[key] = true
	}
}

func TestProbeOnceMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecFailuresForDown = 2
	r := New(cfg)
	p := newFake("flaky", false)
	r.Register(context.Background(), "flaky", p)

	r.ProbeOnce(context.Background())
	if !r.IsAvailable("flaky") {
		t.Fatal("one failure should not yet mark the provider down")
	}
	r.ProbeOnce(context.Background())
	if r.IsAvailable("flaky") {
		t.Fatal("two consecutive failures should mark the provider down")
	}

	scores := r.Scores()
	if len(scores) != 1 || scores[0].Healthy {
		t.Fatalf("expected a single unhealthy score entry, got %+v", scores)
	}
}

func TestScoresReportUnhealthyWithinTwoProbes(t *testing.T) {
	r := New(DefaultConfig())
	p := newFake("cloudy", false)
	r.Register(context.Background(), "cloudy", p)

	r.ProbeOnce(context.Background())
	r.ProbeOnce(context.Background())

	scores := r.Scores()
	if len(scores) != 1 {
		t.Fatalf("expected one score entry, got %d", len(scores))
	}
	if scores[0].Healthy {
		t.Fatal("two consecutive failed probes must flip the reported healthy flag")
	}
	if !r.IsAvailable("cloudy") {
		t.Fatal("a merely degraded provider should still be routable")
	}
}

func TestRecordSuccessRecoversFromDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecFailuresForDown = 1
	r := New(cfg)
	p := newFake("recovering", true)
	r.Register(context.Background(), "recovering", p)

	r.RecordFailure("recovering", "boom")
	if r.IsAvailable("recovering") {
		t.Fatal("expected provider to be down after exceeding the failure threshold")
	}
	r.RecordSuccess("recovering", 50)
	if !r.IsAvailable("recovering") {
		t.Fatal("expected a success to clear the down state")
	}
}

func TestAllHealthyExcludesDownProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecFailuresForDown = 1
	r := New(cfg)
	r.Register(context.Background(), "good", newFake("good", true))
	r.Register(context.Background(), "bad", newFake("bad", false))

	r.RecordFailure("bad", "down for the count")

	healthy := r.AllHealthy()
	if len(healthy) != 1 || healthy[0].Name() != "good" {
		t.Fatalf("expected only 'good' in AllHealthy, got %+v", healthy)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	cfg.CatalogRefreshInterval = time.Hour
	r := New(cfg)
	r.Register(context.Background(), "openai", newFake("openai", true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

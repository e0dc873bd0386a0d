package usage

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_RequestsTotalExposed(t *testing.T) {
	m := NewMetrics()
	m.RequestsTotal.WithLabelValues("chat", "race", "ollama", "qwen2.5-coder", "ok").Inc()
	m.TokensTotal.WithLabelValues("ollama", "qwen2.5-coder", "input").Add(12)
	m.ProviderHealth.WithLabelValues("ollama").Set(HealthGaugeValue("healthy"))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "omen_requests_total") {
		t.Error("expected omen_requests_total in exposition output")
	}
	if !strings.Contains(body, `provider="ollama"`) {
		t.Error("expected provider label in exposition output")
	}
}

func TestHealthGaugeValue(t *testing.T) {
	cases := map[string]float64{"healthy": 2, "degraded": 1, "down": 0, "unknown": 0}
	for state, want := range cases {
		if got := HealthGaugeValue(state); got != want {
			t.Errorf("HealthGaugeValue(%q) = %v, want %v", state, got, want)
		}
	}
}

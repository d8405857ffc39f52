package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/marketflow/tapereader/internal/events"
)

func TestSubscribeCountsPublishedEvents(t *testing.T) {
	r := New(zap.NewNop())
	bus := events.New(zap.NewNop())
	r.Subscribe(bus)

	bus.Publish(events.TopicSignalGenerated, "payload")
	bus.Publish(events.TopicSignalGenerated, "payload")

	body := scrape(t, r)
	if !strings.Contains(body, `tapereader_events_published_total{topic="SIGNAL_GENERATED"} 2`) {
		t.Fatalf("expected 2 published events for SIGNAL_GENERATED, got body:\n%s", body)
	}
}

func TestObserveSignalIncrementsCounter(t *testing.T) {
	r := New(zap.NewNop())
	r.ObserveSignal("CONFLUENCE", "ALERT")
	body := scrape(t, r)
	if !strings.Contains(body, `tapereader_signals_total{level="ALERT",source="CONFLUENCE"} 1`) {
		t.Fatalf("expected a signals_total sample, got body:\n%s", body)
	}
}

func TestObserveRiskOutcomeIncrementsCounter(t *testing.T) {
	r := New(zap.NewNop())
	r.ObserveRiskOutcome("REJECTED")
	body := scrape(t, r)
	if !strings.Contains(body, `tapereader_risk_outcomes_total{outcome="REJECTED"} 1`) {
		t.Fatalf("expected a risk_outcomes_total sample, got body:\n%s", body)
	}
}

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)
	return rec.Body.String()
}

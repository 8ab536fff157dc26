package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"exitengine/internal/breaker"
	"exitengine/internal/model"
)

func TestWatchBreaker_TracksTrips(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	cb := breaker.New("broker", 1, time.Hour)
	m.WatchBreaker(cb)

	cb.Execute(func() error { return errors.New("down") })

	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("broker")); got != 1 {
		t.Errorf("state gauge: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("broker")); got != 1 {
		t.Errorf("trips: want 1, got %v", got)
	}
}

func TestDispatchHooks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	in := model.OrderIntent{Kind: model.KindBracket}
	m.DispatchResult(in, model.IntentAcknowledged, 20*time.Millisecond)
	m.DispatchResult(in, model.IntentAcknowledged, 0)
	m.DispatchRetry(in, 1, nil)

	if got := testutil.ToFloat64(m.IntentsTotal.WithLabelValues("BRACKET", "ACKNOWLEDGED")); got != 2 {
		t.Errorf("intents: want 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchRetries); got != 1 {
		t.Errorf("retries: want 1, got %v", got)
	}
}

func TestObservePositions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	open, attn := m.ObservePositions([]model.Position{
		{Symbol: "ES", NetQuantity: 1},
		{Symbol: "MNQ", NetQuantity: 2, NeedsAttention: true},
		{Symbol: "CL", Closed: true},
	})
	if open != 2 || attn != 1 {
		t.Fatalf("got open=%d attention=%d", open, attn)
	}
	if got := testutil.ToFloat64(m.PositionsNeedAttention); got != 1 {
		t.Errorf("gauge: %v", got)
	}
}

func TestHealth_DegradedWhenCheckFails(t *testing.T) {
	h := NewHealthStatus()
	h.RegisterCheck("store", func(context.Context) error { return nil })
	h.RegisterCheck("broker", func(context.Context) error { return errors.New("timeout") })
	h.RunChecks(context.Background())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["broker"].Error != "timeout" || !body.Checks["store"].OK {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestServer_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SignalsTotal.WithLabelValues("open", "applied").Inc()

	srv := NewServer(":0", NewHealthStatus(), reg, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `exitengine_signals_total{action="open",outcome="applied"} 1`) {
		t.Errorf("metric missing from output:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz with no checks: %d", rec.Code)
	}
}

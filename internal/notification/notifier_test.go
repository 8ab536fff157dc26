package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"exitengine/internal/audit"
)

type captureNotifier struct {
	alerts []Alert
	err    error
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.alerts = append(c.alerts, a)
	return c.err
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, nil)
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "MNQ discrepancy", Message: "ledger 3, broker 1", Symbol: "MNQ"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "CRITICAL" || got["symbol"] != "MNQ" || got["message"] != "ledger 3, broker 1" {
		t.Errorf("unexpected payload: %v", got)
	}
	if got["source"] != "exitengine" || got["at"] == "" {
		t.Errorf("missing source or timestamp: %v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, nil).Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestTelegramNotifier_SendsMarkdown(t *testing.T) {
	var path string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42", nil)
	n.apiBase = srv.URL
	if err := n.Send(context.Background(), Alert{Level: AlertWarning, Title: "needs_attention", Message: "v3 (net 1)", Symbol: "MNQ"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("unexpected path %s", path)
	}
	text, _ := body["text"].(string)
	if !strings.Contains(text, "MNQ needs\\_attention") || !strings.Contains(text, "v3 \\(net 1\\)") {
		t.Errorf("text not escaped: %q", text)
	}
	if body["chat_id"] != "42" {
		t.Errorf("chat id: %v", body["chat_id"])
	}
}

func TestTelegramNotifier_ErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	srv.Close()

	n := NewTelegramNotifier("SECRET-TOKEN", "42", nil)
	n.apiBase = srv.URL
	err := n.Send(context.Background(), Alert{Title: "x"})
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if strings.Contains(err.Error(), "SECRET-TOKEN") {
		t.Errorf("token leaked: %v", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a.b-c!"); got != `a\.b\-c\!` {
		t.Errorf("escapeMarkdown: %q", got)
	}
}

func TestAuditSink_OnlyAlertingKinds(t *testing.T) {
	c := &captureNotifier{}
	sink := AuditSink{N: c}
	ctx := context.Background()

	sink.Record(ctx, audit.Event{Kind: audit.KindApplied, Symbol: "MNQ"})
	sink.Record(ctx, audit.Event{Kind: audit.KindDuplicate, Symbol: "MNQ"})
	sink.Record(ctx, audit.Event{Kind: audit.KindDiscrepancy, Symbol: "MNQ", Message: "ledger 3, broker 1", Version: 4, NetQuantity: 1})
	sink.Record(ctx, audit.Event{Kind: audit.KindAttention, Symbol: "ES"})

	if len(c.alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(c.alerts))
	}
	if c.alerts[0].Level != AlertCritical || c.alerts[0].Message != "ledger 3, broker 1 (v4, net 1)" {
		t.Errorf("discrepancy alert: %+v", c.alerts[0])
	}
	if c.alerts[1].Level != AlertWarning {
		t.Errorf("attention alert level: %s", c.alerts[1].Level)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &captureNotifier{}
	bad := &captureNotifier{err: boom}
	err := Multi{ok, bad}.Send(context.Background(), Alert{Title: "t"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.alerts) != 1 {
		t.Error("healthy notifier must still receive the alert")
	}
}

func TestLogNotifier_LevelMapping(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLogNotifier(zap.New(core))
	n.Send(context.Background(), Alert{Level: AlertCritical, Title: "failed"})
	n.Send(context.Background(), Alert{Level: AlertWarning, Title: "attention"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel || entries[1].Level != zapcore.WarnLevel {
		t.Errorf("levels: %s, %s", entries[0].Level, entries[1].Level)
	}
}

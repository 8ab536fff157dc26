package brokerapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"exitengine/internal/model"
)

const testSecret = "JBSWY3DPEHPK3PXP"

type fakeGateway struct {
	t       *testing.T
	logins  int32
	token   atomic.Value // string
	handler func(w http.ResponseWriter, r *http.Request)
}

func reply(w http.ResponseWriter, status int, env map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func newGateway(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) (*fakeGateway, *Client) {
	t.Helper()
	g := &fakeGateway{t: t, handler: h}
	g.token.Store("tok-1")
	mux := http.NewServeMux()
	mux.HandleFunc(routeLogin, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "trader" || body["password"] != "pw" {
			reply(w, http.StatusBadRequest, map[string]any{"status": false, "message": "bad credentials"})
			return
		}
		if !totp.Validate(body["totp"], testSecret) {
			reply(w, http.StatusBadRequest, map[string]any{"status": false, "message": "bad totp"})
			return
		}
		n := atomic.AddInt32(&g.logins, 1)
		tok := "tok-" + string(rune('0'+n))
		g.token.Store(tok)
		reply(w, http.StatusOK, map[string]any{"status": true, "data": map[string]string{"access_token": tok}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("missing api key on %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer "+g.token.Load().(string) {
			reply(w, http.StatusUnauthorized, map[string]any{"status": false, "error_type": "TokenException", "message": "expired"})
			return
		}
		g.handler(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL, APIKey: "key", Username: "trader", Password: "pw", TOTPSecret: testSecret, Timeout: 2 * time.Second}, nil)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	return g, c
}

func bracket() model.OrderIntent {
	return model.OrderIntent{
		IntentID:   "intent-1",
		Symbol:     "MNQ",
		Side:       model.Sell,
		Quantity:   2,
		Kind:       model.KindBracket,
		StopPrice:  decimal.RequireFromString("25090"),
		LimitPrice: decimal.RequireFromString("25125"),
	}
}

func TestLogin_BadTOTPSecretFails(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", TOTPSecret: "not base32!"}, nil)
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected totp error")
	}
}

func TestPlaceOrder(t *testing.T) {
	var got map[string]any
	_, c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != routeOrders {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		reply(w, http.StatusOK, map[string]any{"status": true, "data": map[string]any{"order_id": "B-7", "state": "open"}})
	})

	ack, err := c.PlaceOrder(context.Background(), bracket())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.BrokerOrderID != "B-7" || ack.State != model.IntentAcknowledged || ack.IntentID != "intent-1" {
		t.Errorf("ack: %+v", ack)
	}
	if got["client_tag"] != "intent-1" || got["kind"] != "BRACKET" || got["stop_price"] != "25090" || got["limit_price"] != "25125" {
		t.Errorf("request body: %+v", got)
	}
}

func TestPlaceOrder_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		want   error
	}{
		{"server error", http.StatusInternalServerError, map[string]any{"status": false, "message": "boom"}, model.ErrBrokerTransient},
		{"rate limited", http.StatusTooManyRequests, map[string]any{"status": false}, model.ErrBrokerTransient},
		{"bad request", http.StatusBadRequest, map[string]any{"status": false, "message": "qty"}, model.ErrBrokerRejected},
		{"status false", http.StatusOK, map[string]any{"status": false, "error_type": "MarginException"}, model.ErrBrokerRejected},
		{"rejected state", http.StatusOK, map[string]any{"status": true, "data": map[string]any{"order_id": "X", "state": "REJECTED"}}, model.ErrBrokerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, tt.status, tt.body)
			})
			_, err := c.PlaceOrder(context.Background(), bracket())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlaceOrder_NetworkErrorIsTransient(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil)
	_, err := c.PlaceOrder(context.Background(), bracket())
	if !model.IsRetryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestExpiredSessionRenewsOnce(t *testing.T) {
	calls := 0
	g, c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		reply(w, http.StatusOK, map[string]any{"status": true, "data": []any{}})
	})
	// rotate the server-side token so the client's is stale
	g.token.Store("rotated")
	atomic.StoreInt32(&g.logins, 1)

	if _, err := c.OpenOrders(context.Background()); err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if n := atomic.LoadInt32(&g.logins); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestCancelOrder(t *testing.T) {
	tests := []struct {
		state string
		want  model.IntentState
	}{
		{"cancelled", model.IntentCanceled},
		{"open", model.IntentCanceled},
		{"complete", model.IntentFilled},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			_, c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/orders/B-9/cancel" {
					t.Errorf("path %s", r.URL.Path)
				}
				reply(w, http.StatusOK, map[string]any{"status": true, "data": map[string]any{"state": tt.state, "filled_quantity": 1}})
			})
			ack, err := c.CancelOrder(context.Background(), "B-9")
			if err != nil {
				t.Fatal(err)
			}
			if ack.State != tt.want || ack.BrokerOrderID != "B-9" {
				t.Errorf("ack: %+v", ack)
			}
		})
	}
}

func TestCancelOrder_UnknownOrder(t *testing.T) {
	_, c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, map[string]any{"status": false, "message": "no such order"})
	})
	if _, err := c.CancelOrder(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestOpenPositionsAndOrders(t *testing.T) {
	_, c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case routePositions:
			reply(w, http.StatusOK, map[string]any{"status": true, "data": []map[string]any{
				{"symbol": "MNQ", "net_quantity": 3, "avg_price": "25111.25"},
				{"symbol": "ES", "net_quantity": 0, "avg_price": "0"},
				{"symbol": "CL", "net_quantity": -2, "avg_price": "71.4"},
			}})
		case routeOrders:
			if r.URL.Query().Get("status") != "working" {
				t.Errorf("query %s", r.URL.RawQuery)
			}
			reply(w, http.StatusOK, map[string]any{"status": true, "data": []map[string]any{
				{"order_id": "B-1", "symbol": "MNQ", "side": "SELL", "kind": "BRACKET", "quantity": 2,
					"stop_price": "25090", "target_price": "25125", "client_tag": "intent-1"},
			}})
		}
	})

	pos, err := c.OpenPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 2 || pos[0].NetQuantity != 3 || !pos[0].AvgPrice.Equal(decimal.RequireFromString("25111.25")) || pos[1].NetQuantity != -2 {
		t.Errorf("positions: %+v", pos)
	}

	orders, err := c.OpenOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ClientTag != "intent-1" || orders[0].Side != model.Sell || orders[0].Quantity != 2 {
		t.Errorf("orders: %+v", orders)
	}
}

func TestRedactHidesCredentials(t *testing.T) {
	r := redact(map[string]any{"username": "u", "password": "p", "totp": "123456"})
	if r["password"] != "***" || r["totp"] != "***" || r["username"] != "u" {
		t.Errorf("redact: %+v", r)
	}
}

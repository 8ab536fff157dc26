// Package brokerapi is a REST client for a futures broker gateway. It
// implements model.Broker and manages the login session itself: a TOTP
// code is generated from the configured secret at login, and an expired
// session is renewed once per call before the call is retried.
//
// Usage:
//
//	c := brokerapi.New(brokerapi.Config{BaseURL: "https://broker.example", APIKey: "k",
//	    Username: "u", Password: "p", TOTPSecret: "BASE32SECRET"}, log)
//	if err := c.Login(ctx); err != nil { ... }
//	ack, err := c.PlaceOrder(ctx, intent)
package brokerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exitengine/internal/model"
)

// Config holds connection and credential settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Username   string
	Password   string
	TOTPSecret string        // base32; empty skips the TOTP field
	Timeout    time.Duration // per request, default 7s
	Debug      bool
}

const (
	routeLogin     = "/api/v1/auth/login"
	routeRefresh   = "/api/v1/auth/refresh"
	routeOrders    = "/api/v1/orders"
	routeCancel    = "/api/v1/orders/%s/cancel"
	routePositions = "/api/v1/positions"
)

// ErrSessionExpired is returned when the gateway rejects the access token.
var ErrSessionExpired = errors.New("broker session expired")

// envelope is the gateway's response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// Client talks to the broker gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
	now        func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// New creates a client. Call Login before trading.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.Named("brokerapi"),
		now:        time.Now,
	}
}

// Login opens a session with a fresh TOTP code.
func (c *Client) Login(ctx context.Context) error {
	params := map[string]any{"username": c.cfg.Username, "password": c.cfg.Password}
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
		if err != nil {
			return fmt.Errorf("brokerapi: totp: %w", err)
		}
		params["totp"] = code
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.do(ctx, http.MethodPost, routeLogin, params, &tokens, false); err != nil {
		return fmt.Errorf("brokerapi: login: %w", err)
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("brokerapi: login: %w: no access token in response", model.ErrBrokerRejected)
	}
	c.mu.Lock()
	c.accessToken = tokens.AccessToken
	c.refreshToken = tokens.RefreshToken
	c.mu.Unlock()
	c.log.Info("session opened", zap.String("user", c.cfg.Username))
	return nil
}

// renew refreshes the session, falling back to a full login.
func (c *Client) renew(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh != "" {
		var tokens struct {
			AccessToken string `json:"access_token"`
		}
		err := c.do(ctx, http.MethodPost, routeRefresh, map[string]any{"refresh_token": refresh}, &tokens, false)
		if err == nil && tokens.AccessToken != "" {
			c.mu.Lock()
			c.accessToken = tokens.AccessToken
			c.mu.Unlock()
			c.log.Info("session refreshed")
			return nil
		}
		c.log.Warn("token refresh failed, logging in again", zap.Error(err))
	}
	return c.Login(ctx)
}

// call performs an authenticated request, renewing the session once if it
// expired.
func (c *Client) call(ctx context.Context, method, route string, params map[string]any, out any) error {
	err := c.do(ctx, method, route, params, out, true)
	if !errors.Is(err, ErrSessionExpired) {
		return err
	}
	if rerr := c.renew(ctx); rerr != nil {
		return fmt.Errorf("%w: session renewal: %v", model.ErrBrokerTransient, rerr)
	}
	err = c.do(ctx, method, route, params, out, true)
	if errors.Is(err, ErrSessionExpired) {
		return fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
	}
	return err
}

func (c *Client) headers(auth bool) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-API-Key", c.cfg.APIKey)
	if auth {
		c.mu.Lock()
		if c.accessToken != "" {
			h.Set("Authorization", "Bearer "+c.accessToken)
		}
		c.mu.Unlock()
	}
	return h
}

// do sends one request and classifies the outcome into the engine's error
// taxonomy: network failures, timeouts, 429 and 5xx are transient; other
// 4xx and status=false bodies are rejections.
func (c *Client) do(ctx context.Context, method, route string, params map[string]any, out any, auth bool) error {
	reqURL := c.baseURL + route
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, fmt.Sprint(v))
			}
			reqURL += "?" + q.Encode()
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header = c.headers(auth)
	if c.cfg.Debug {
		c.log.Debug("request", zap.String("method", method), zap.String("url", reqURL), zap.Any("params", redact(params)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", model.ErrBrokerTransient, err)
	}
	if c.cfg.Debug {
		c.log.Debug("response", zap.Int("code", resp.StatusCode), zap.ByteString("body", raw))
	}

	var env envelope
	jsonErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || env.ErrorType == "TokenException":
		return fmt.Errorf("%w: %s", ErrSessionExpired, env.Message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d: %s", model.ErrBrokerTransient, resp.StatusCode, messageOf(env, raw))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrNotFound, messageOf(env, raw))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: http %d: %s", model.ErrBrokerRejected, resp.StatusCode, messageOf(env, raw))
	case jsonErr != nil:
		return fmt.Errorf("%w: couldn't parse JSON response: %v", model.ErrBrokerTransient, jsonErr)
	case !env.Status:
		return fmt.Errorf("%w: %s %s", model.ErrBrokerRejected, env.ErrorType, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("brokerapi: decode %s: %w", route, err)
		}
	}
	return nil
}

func messageOf(env envelope, raw []byte) string {
	if env.Message != "" {
		return env.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

// classifyNetErr marks transport failures as transient. A canceled
// context is passed through so callers can tell shutdown from an outage.
func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
}

func redact(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch k {
		case "password", "totp", "refresh_token":
			out[k] = "***"
		default:
			out[k] = v
		}
	}
	return out
}

// orderAck is the gateway's order status payload.
type orderAck struct {
	OrderID        string `json:"order_id"`
	State          string `json:"state"`
	FilledQuantity int64  `json:"filled_quantity"`
	Message        string `json:"message"`
}

func (a orderAck) toAck(intentID string, at time.Time) model.Ack {
	return model.Ack{
		IntentID:       intentID,
		BrokerOrderID:  a.OrderID,
		State:          mapState(a.State),
		FilledQuantity: a.FilledQuantity,
		Message:        a.Message,
		At:             at,
	}
}

func mapState(s string) model.IntentState {
	switch strings.ToUpper(s) {
	case "FILLED", "COMPLETE":
		return model.IntentFilled
	case "CANCELED", "CANCELLED":
		return model.IntentCanceled
	case "REJECTED":
		return model.IntentRejected
	case "PENDING", "SUBMITTED":
		return model.IntentSubmitted
	default:
		return model.IntentAcknowledged
	}
}

// PlaceOrder implements model.Broker. The intent id travels as the client
// tag, so the gateway answers a repeated intent with the original order.
func (c *Client) PlaceOrder(ctx context.Context, intent model.OrderIntent) (model.Ack, error) {
	params := map[string]any{
		"client_tag": intent.IntentID,
		"symbol":     intent.Symbol,
		"side":       string(intent.Side),
		"kind":       string(intent.Kind),
		"quantity":   intent.Quantity,
	}
	if !intent.StopPrice.IsZero() {
		params["stop_price"] = intent.StopPrice.String()
	}
	if !intent.LimitPrice.IsZero() {
		params["limit_price"] = intent.LimitPrice.String()
	}
	var a orderAck
	if err := c.call(ctx, http.MethodPost, routeOrders, params, &a); err != nil {
		return model.Ack{}, err
	}
	if a.OrderID == "" {
		return model.Ack{}, fmt.Errorf("%w: order response without order id", model.ErrBrokerTransient)
	}
	ack := a.toAck(intent.IntentID, c.now())
	if ack.State == model.IntentRejected {
		return model.Ack{}, fmt.Errorf("%w: %s", model.ErrBrokerRejected, a.Message)
	}
	return ack, nil
}

// CancelOrder implements model.Broker. An order that already filled comes
// back with state FILLED.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (model.Ack, error) {
	var a orderAck
	err := c.call(ctx, http.MethodPost, fmt.Sprintf(routeCancel, url.PathEscape(orderID)), nil, &a)
	if err != nil {
		return model.Ack{}, err
	}
	if a.OrderID == "" {
		a.OrderID = orderID
	}
	ack := a.toAck("", c.now())
	if ack.State == model.IntentAcknowledged || ack.State == model.IntentSubmitted {
		ack.State = model.IntentCanceled
	}
	return ack, nil
}

// OpenPositions implements model.Broker.
func (c *Client) OpenPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	var rows []struct {
		Symbol      string          `json:"symbol"`
		NetQuantity int64           `json:"net_quantity"`
		AvgPrice    decimal.Decimal `json:"avg_price"`
	}
	if err := c.call(ctx, http.MethodGet, routePositions, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]model.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		if r.NetQuantity == 0 {
			continue
		}
		out = append(out, model.BrokerPosition{Symbol: r.Symbol, NetQuantity: r.NetQuantity, AvgPrice: r.AvgPrice})
	}
	return out, nil
}

// OpenOrders implements model.Broker.
func (c *Client) OpenOrders(ctx context.Context) ([]model.BrokerOrder, error) {
	var rows []model.BrokerOrder
	if err := c.call(ctx, http.MethodGet, routeOrders, map[string]any{"status": "working"}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Package api serves signal intake, position queries and the audit
// websocket over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/engine"
	"exitengine/internal/execution"
	"exitengine/internal/model"
	"exitengine/internal/reconcile"
)

// Engine is the signal path the server drives.
type Engine interface {
	Process(ctx context.Context, sig model.TradeSignal) (engine.Result, error)
	ClearAttention(ctx context.Context, symbol string) (model.Position, error)
}

// Positions is the read side of the ledger.
type Positions interface {
	Get(symbol string) (model.Position, bool)
	All() []model.Position
	PendingIntents(symbol string) []model.OrderIntent
}

// IntentHistory lists journaled intents. *execution.Journal implements it.
type IntentHistory interface {
	Intents(ctx context.Context, symbol string, limit int) ([]execution.IntentRecord, error)
}

// Reconciler triggers an on-demand reconciliation pass.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (reconcile.Report, error)
}

// AuditQuery returns recent audit events, newest first.
type AuditQuery func(ctx context.Context, symbol string, limit int) ([]audit.Event, error)

// MemoryAudit adapts an in-memory audit ring to AuditQuery.
func MemoryAudit(m *audit.Memory) AuditQuery {
	return func(_ context.Context, symbol string, limit int) ([]audit.Event, error) {
		return m.Recent(symbol, limit), nil
	}
}

// Deps are the server's collaborators. Intents, Audit, Reconciler, Hub and
// Health may be nil; their routes then answer 404 or are not mounted.
type Deps struct {
	Engine     Engine
	Positions  Positions
	Intents    IntentHistory
	Audit      AuditQuery
	Reconciler Reconciler
	Hub        *Hub
	Health     http.Handler
}

// Config holds HTTP settings.
type Config struct {
	Addr           string
	AllowedOrigins []string      // default "*"
	RequestTimeout time.Duration // signal processing deadline, default 30s
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// PositionView is a position plus the intents still awaiting the broker.
type PositionView struct {
	model.Position
	Pending []model.OrderIntent `json:"pending_intents,omitempty"`
}

// Server handles the REST API and the audit websocket.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a server and registers its routes.
func NewServer(cfg Config, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, deps: deps, router: mux.NewRouter(), log: log.Named("api")}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/signals", s.handleSignal).Methods("POST")
	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{symbol}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/{symbol}/intents", s.handleGetIntents).Methods("GET")
	api.HandleFunc("/positions/{symbol}/clear-attention", s.handleClearAttention).Methods("POST")
	api.HandleFunc("/audit", s.handleGetAudit).Methods("GET")
	api.HandleFunc("/reconcile", s.handleReconcile).Methods("POST")

	if s.deps.Hub != nil {
		s.router.Handle("/ws/audit", s.deps.Hub)
	}
	if s.deps.Health != nil {
		s.router.Handle("/health", s.deps.Health).Methods("GET")
	} else {
		s.router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}).Methods("GET")
	}
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves in the background.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("api server starting", zap.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down and disconnects websocket clients.
func (s *Server) Stop(ctx context.Context) {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if s.srv != nil {
		s.srv.Shutdown(ctx)
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig model.TradeSignal
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sig); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	res, err := s.deps.Engine.Process(ctx, sig)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, res)
	case errors.Is(err, model.ErrInvalidSignal):
		respondError(w, http.StatusUnprocessableEntity, "invalid signal", err.Error())
	case errors.Is(err, engine.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "engine closed", err.Error())
	case res.Outcome == engine.OutcomeFailed:
		s.log.Warn("signal failed", zap.String("signal", res.SignalKey), zap.Error(err))
		respondJSON(w, http.StatusBadGateway, struct {
			engine.Result
			Error string `json:"error"`
		}{res, err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// the signal never reached its worker
		respondError(w, http.StatusGatewayTimeout, "signal not processed in time", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "processing error", err.Error())
	}
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Positions.All()
	if r.URL.Query().Get("attention") == "true" {
		flagged := all[:0]
		for _, p := range all {
			if p.NeedsAttention {
				flagged = append(flagged, p)
			}
		}
		all = flagged
	}
	out := make([]PositionView, 0, len(all))
	for _, p := range all {
		out = append(out, PositionView{Position: p, Pending: s.deps.Positions.PendingIntents(p.Symbol)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	p, ok := s.deps.Positions.Get(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "position not found", symbol)
		return
	}
	respondJSON(w, http.StatusOK, PositionView{Position: p, Pending: s.deps.Positions.PendingIntents(symbol)})
}

func (s *Server) handleGetIntents(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if s.deps.Intents == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"symbol":  symbol,
			"pending": s.deps.Positions.PendingIntents(symbol),
		})
		return
	}
	recs, err := s.deps.Intents.Intents(r.Context(), symbol, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "intent journal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"pending": s.deps.Positions.PendingIntents(symbol),
		"intents": recs,
	})
}

func (s *Server) handleClearAttention(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	p, err := s.deps.Engine.ClearAttention(r.Context(), symbol)
	switch {
	case err == nil:
		s.log.Info("attention cleared by operator", zap.String("symbol", symbol), zap.String("remote", r.RemoteAddr))
		respondJSON(w, http.StatusOK, p)
	case errors.Is(err, model.ErrNotFound):
		respondError(w, http.StatusNotFound, "position not found", symbol)
	case errors.Is(err, model.ErrInvariant):
		respondError(w, http.StatusConflict, "position still inconsistent", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "clear attention", err.Error())
	}
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		respondError(w, http.StatusNotFound, "audit query not configured", "")
		return
	}
	events, err := s.deps.Audit(r.Context(), r.URL.Query().Get("symbol"), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit query", err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		respondError(w, http.StatusNotFound, "reconciliation not configured", "")
		return
	}
	rep, err := s.deps.Reconciler.ReconcileOnce(r.Context())
	if err != nil {
		respondJSON(w, http.StatusBadGateway, struct {
			reconcile.Report
			Error string `json:"error"`
		}{rep, err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}

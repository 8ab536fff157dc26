package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the exit engine.
type Metrics struct {
	// Signal flow
	SignalsTotal   *prometheus.CounterVec // labels: action, outcome
	SignalDuration prometheus.Histogram

	// Dispatch
	IntentsTotal     *prometheus.CounterVec // labels: kind, state
	DispatchRetries  prometheus.Counter
	DispatchDuration prometheus.Histogram
	AbsorbedFills    prometheus.Counter // market exit contracts covered by a bracket fill
	VersionConflicts prometheus.Counter

	// Position state
	OpenPositions          prometheus.Gauge
	PositionsNeedAttention prometheus.Gauge

	// Reconciliation
	ReconcileRuns          prometheus.Counter
	ReconcileDiscrepancies *prometheus.CounterVec // labels: type
	ReconcileDuration      prometheus.Histogram

	// Circuit breakers
	CircuitBreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips *prometheus.CounterVec // labels: name
	RedisBufferedWrites prometheus.Counter

	// Audit backpressure
	AuditDropsTotal      *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Market session
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_signals_total",
			Help: "Trade signals processed by action and outcome",
		}, []string{"action", "outcome"}),
		SignalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_signal_duration_seconds",
			Help:    "Time from dequeue to committed plan per signal",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_intents_total",
			Help: "Broker call outcomes by order kind and resulting state",
		}, []string{"kind", "state"}),
		DispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_dispatch_retries_total",
			Help: "Transient broker failures retried",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_dispatch_duration_seconds",
			Help:    "Broker call latency",
			Buckets: prometheus.DefBuckets,
		}),
		AbsorbedFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_absorbed_fill_contracts_total",
			Help: "Market exit contracts not sent because a bracket already filled them",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_version_conflicts_total",
			Help: "Ledger version conflicts on apply",
		}),

		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_open_positions",
			Help: "Symbols with a non-zero net position",
		}),
		PositionsNeedAttention: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_positions_needing_attention",
			Help: "Positions flagged for operator review",
		}),

		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_reconcile_runs_total",
			Help: "Reconciliation passes completed",
		}),
		ReconcileDiscrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_reconcile_discrepancies_total",
			Help: "Ledger/broker discrepancies found by type",
		}, []string{"type"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_reconcile_duration_seconds",
			Help:    "Reconciliation pass latency",
			Buckets: prometheus.DefBuckets,
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exitengine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),

		AuditDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_audit_drops_total",
			Help: "Audit events dropped per subscriber (input = -1)",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exitengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_session_transitions_total",
			Help: "Market session transitions (open, close)",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.SignalDuration,
		m.IntentsTotal,
		m.DispatchRetries,
		m.DispatchDuration,
		m.AbsorbedFills,
		m.VersionConflicts,
		m.OpenPositions,
		m.PositionsNeedAttention,
		m.ReconcileRuns,
		m.ReconcileDiscrepancies,
		m.ReconcileDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.AuditDropsTotal,
		m.ChannelSaturationPct,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type checkResult struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	checks  map[string]CheckFunc
	results map[string]checkResult

	MarketOpen      bool      `json:"market_open"`
	LastSignalAt    time.Time `json:"last_signal_at"`
	LastReconcileAt time.Time `json:"last_reconcile_at"`
	NeedsAttention  int       `json:"needs_attention"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		checks:    make(map[string]CheckFunc),
		results:   make(map[string]checkResult),
		StartedAt: time.Now(),
	}
}

// RegisterCheck adds a named dependency probe (broker, store, journal).
func (h *HealthStatus) RegisterCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	h.checks[name] = fn
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketOpen(v bool) {
	h.mu.Lock()
	h.MarketOpen = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSignal(t time.Time) {
	h.mu.Lock()
	h.LastSignalAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastReconcile(t time.Time) {
	h.mu.Lock()
	h.LastReconcileAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetNeedsAttention(n int) {
	h.mu.Lock()
	h.NeedsAttention = n
	h.mu.Unlock()
}

// RunChecks probes every registered dependency and records latency and
// result.
func (h *HealthStatus) RunChecks(ctx context.Context) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	results := make(map[string]checkResult, len(checks))
	for name, fn := range checks {
		start := time.Now()
		err := fn(ctx)
		r := checkResult{OK: err == nil, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
		if err != nil {
			r.Error = err.Error()
		}
		results[name] = r
	}

	h.mu.Lock()
	h.results = results
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		probe := func() {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.RunChecks(probeCtx)
			cancel()
		}
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	failed := 0
	names := make([]string, 0, len(h.results))
	for name, res := range h.results {
		names = append(names, name)
		if !res.OK {
			failed++
		}
	}
	sort.Strings(names)
	if failed > 0 {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if failed > 0 && failed == len(h.results) {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string                 `json:"status"`
		Uptime          string                 `json:"uptime"`
		MarketOpen      bool                   `json:"market_open"`
		LastSignalAt    string                 `json:"last_signal_at,omitempty"`
		LastReconcileAt string                 `json:"last_reconcile_at,omitempty"`
		NeedsAttention  int                    `json:"needs_attention"`
		Checks          map[string]checkResult `json:"checks"`
		LastCheckAt     string                 `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		MarketOpen:     h.MarketOpen,
		NeedsAttention: h.NeedsAttention,
		Checks:         h.results,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}
	if !h.LastSignalAt.IsZero() {
		status.LastSignalAt = h.LastSignalAt.Format(time.RFC3339)
	}
	if !h.LastReconcileAt.IsZero() {
		status.LastReconcileAt = h.LastReconcileAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a metrics and health server. gatherer may be nil to
// expose the default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.Named("metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

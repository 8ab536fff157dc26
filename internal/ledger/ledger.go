// Package ledger holds the authoritative in-memory position state.
//
// ApplyPlan is the only write path for signal-driven changes. It rejects
// stale versions and any state that breaks a position invariant. Writes for
// a symbol are serialized by the engine's per-symbol worker; the mutex here
// only protects the map against concurrent query readers.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"exitengine/internal/model"
	"exitengine/internal/planner"
)

// Ledger is the Position Ledger.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]model.Position
	pending   map[string][]model.OrderIntent
	log       *zap.Logger
	now       func() time.Time
}

// New creates an empty ledger.
func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		positions: make(map[string]model.Position),
		pending:   make(map[string][]model.OrderIntent),
		log:       log.Named("ledger"),
		now:       time.Now,
	}
}

// Get returns a deep copy of the position for symbol.
func (l *Ledger) Get(symbol string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return model.Position{}, false
	}
	return p.Clone(), true
}

// All returns copies of every position, sorted by symbol.
func (l *Ledger) All() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols lists every symbol the ledger knows.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ApplyPlan commits plan.Result for symbol if the stored version still
// equals expectedVersion. The committed position carries version
// expectedVersion+1.
func (l *Ledger) ApplyPlan(symbol string, plan planner.ExitPlan, expectedVersion int64) (model.Position, error) {
	if plan.Symbol != "" && plan.Symbol != symbol {
		return model.Position{}, fmt.Errorf("ledger: plan for %s applied to %s", plan.Symbol, symbol)
	}
	return l.commit(symbol, plan.Result, expectedVersion)
}

// Replace commits an arbitrary next state under the same version rule.
// Reconciliation uses it for broker-driven corrections and attention flags.
func (l *Ledger) Replace(symbol string, next model.Position, expectedVersion int64) (model.Position, error) {
	return l.commit(symbol, next, expectedVersion)
}

func (l *Ledger) commit(symbol string, next model.Position, expectedVersion int64) (model.Position, error) {
	next = next.Clone()
	next.Symbol = symbol
	if err := next.CheckInvariants(); err != nil {
		l.log.Warn("rejected state", zap.String("symbol", symbol), zap.Error(err))
		return model.Position{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var current int64
	if cur, ok := l.positions[symbol]; ok {
		current = cur.Version
	}
	if current != expectedVersion {
		return model.Position{}, fmt.Errorf("%w: %s expected v%d, ledger at v%d",
			model.ErrVersionConflict, symbol, expectedVersion, current)
	}

	next.Version = expectedVersion + 1
	next.UpdatedAt = l.now()
	l.positions[symbol] = next

	l.log.Debug("applied",
		zap.String("symbol", symbol),
		zap.Int64("version", next.Version),
		zap.Int64("net", next.NetQuantity),
		zap.Int("exits", len(next.StagedExits)),
		zap.Bool("needs_attention", next.NeedsAttention))
	return next.Clone(), nil
}

// LoadSnapshot replaces ledger contents with persisted positions. Pending
// intents are not part of a snapshot.
func (l *Ledger) LoadSnapshot(positions []model.Position) error {
	loaded := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			return fmt.Errorf("ledger: snapshot entry without symbol")
		}
		if err := p.CheckInvariants(); err != nil {
			return fmt.Errorf("ledger: snapshot %s: %w", p.Symbol, err)
		}
		loaded[p.Symbol] = p.Clone()
	}

	l.mu.Lock()
	l.positions = loaded
	l.pending = make(map[string][]model.OrderIntent)
	l.mu.Unlock()

	l.log.Info("snapshot loaded", zap.Int("positions", len(loaded)))
	return nil
}

// DumpSnapshot returns every position for persistence.
func (l *Ledger) DumpSnapshot() []model.Position {
	return l.All()
}

// SetPending records the non-terminal intents for symbol. Passing nil
// clears them.
func (l *Ledger) SetPending(symbol string, intents []model.OrderIntent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(intents) == 0 {
		delete(l.pending, symbol)
		return
	}
	l.pending[symbol] = append([]model.OrderIntent(nil), intents...)
}

// PendingIntents returns the intents not yet in a terminal state for
// symbol, plus failed ones awaiting attention.
func (l *Ledger) PendingIntents(symbol string) []model.OrderIntent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.OrderIntent(nil), l.pending[symbol]...)
}

// Package risk guards entries against position-size and open-position
// limits. Trims and closes are never blocked: reducing risk is always
// allowed.
package risk

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"exitengine/internal/model"
)

// Limits defines configurable risk thresholds. Zero disables a limit.
type Limits struct {
	MaxPositionSize  int64 `json:"max_position_size" yaml:"max_position_size"`   // max contracts per symbol
	MaxOpenPositions int   `json:"max_open_positions" yaml:"max_open_positions"` // max concurrent open symbols
}

// DefaultLimits returns conservative default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:  10,
		MaxOpenPositions: 5,
	}
}

// PositionSource lists current positions.
type PositionSource interface {
	All() []model.Position
}

// Guard validates open signals against Limits.
type Guard struct {
	mu        sync.RWMutex
	limits    Limits
	positions PositionSource
	log       *zap.Logger

	rejected int64
}

// NewGuard creates a guard over the given position source.
func NewGuard(limits Limits, positions PositionSource, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{limits: limits, positions: positions, log: log.Named("risk")}
}

// Check returns an error wrapping model.ErrInvalidSignal if sig would break
// a limit given the current position. An instrument's MaxPositionSize
// overrides the global one.
func (g *Guard) Check(sig model.TradeSignal, pos model.Position, inst model.Instrument) error {
	if sig.Action != model.ActionOpen {
		return nil
	}
	g.mu.RLock()
	limits := g.limits
	g.mu.RUnlock()

	maxSize := limits.MaxPositionSize
	if inst.MaxPositionSize > 0 {
		maxSize = inst.MaxPositionSize
	}
	if maxSize > 0 && pos.NetQuantity+sig.QuantityDelta > maxSize {
		return g.reject(sig, fmt.Sprintf("position size %d exceeds limit %d", pos.NetQuantity+sig.QuantityDelta, maxSize))
	}

	if limits.MaxOpenPositions > 0 && pos.NetQuantity == 0 && g.positions != nil {
		open := 0
		for _, p := range g.positions.All() {
			if p.NetQuantity > 0 && p.Symbol != sig.Symbol {
				open++
			}
		}
		if open >= limits.MaxOpenPositions {
			return g.reject(sig, fmt.Sprintf("max open positions reached (%d)", open))
		}
	}
	return nil
}

func (g *Guard) reject(sig model.TradeSignal, reason string) error {
	g.mu.Lock()
	g.rejected++
	g.mu.Unlock()
	g.log.Warn("entry blocked", zap.String("symbol", sig.Symbol), zap.String("signal", sig.Key()), zap.String("reason", reason))
	return fmt.Errorf("%w: %s %s", model.ErrInvalidSignal, sig.Symbol, reason)
}

// SetLimits replaces the limits.
func (g *Guard) SetLimits(l Limits) {
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
}

// Status returns current risk status.
func (g *Guard) Status() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	open := 0
	if g.positions != nil {
		for _, p := range g.positions.All() {
			if p.NetQuantity > 0 {
				open++
			}
		}
	}
	return map[string]interface{}{
		"limits":         g.limits,
		"open_positions": open,
		"rejected":       g.rejected,
	}
}

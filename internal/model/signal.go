package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// EntrySide is the order side that adds to a position in this direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that reduces a position in this direction.
func (d Direction) ExitSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d == Long || d == Short }

// Action is what a signal asks the engine to do.
type Action string

const (
	ActionOpen  Action = "open"
	ActionTrim  Action = "trim"
	ActionClose Action = "close"
)

// TradeSignal is a normalized alert. Immutable once accepted.
type TradeSignal struct {
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Action        Action          `json:"action"`
	QuantityDelta int64           `json:"quantity_delta"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Target1Price  decimal.Decimal `json:"target1_price"`
	Target2Price  decimal.Decimal `json:"target2_price"`
	SignalTime    time.Time       `json:"signal_time"`
	SourceID      string          `json:"source_id"`
}

// Key is the dedupe key: source id plus signal time.
func (s TradeSignal) Key() string {
	return s.SourceID + "@" + strconv.FormatInt(s.SignalTime.UnixNano(), 10)
}

// Validate checks the structural and price-sanity rules applied at the
// intake boundary.
func (s TradeSignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidSignal)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidSignal, s.Direction)
	}
	if s.SourceID == "" {
		return fmt.Errorf("%w: empty source id", ErrInvalidSignal)
	}
	if s.SignalTime.IsZero() {
		return fmt.Errorf("%w: missing signal time", ErrInvalidSignal)
	}
	switch s.Action {
	case ActionOpen:
		if s.QuantityDelta <= 0 {
			return fmt.Errorf("%w: open quantity must be positive, got %d", ErrInvalidSignal, s.QuantityDelta)
		}
		return s.validateBracket()
	case ActionTrim:
		if s.QuantityDelta <= 0 {
			return fmt.Errorf("%w: trim quantity must be positive, got %d", ErrInvalidSignal, s.QuantityDelta)
		}
	case ActionClose:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidSignal, s.Action)
	}
	return nil
}

func (s TradeSignal) validateBracket() error {
	if !s.EntryPrice.IsPositive() || !s.StopPrice.IsPositive() ||
		!s.Target1Price.IsPositive() || !s.Target2Price.IsPositive() {
		return fmt.Errorf("%w: open requires entry, stop and both targets", ErrInvalidSignal)
	}
	if s.Direction == Long {
		if !s.StopPrice.LessThan(s.EntryPrice) || !s.Target1Price.GreaterThan(s.EntryPrice) ||
			s.Target2Price.LessThan(s.Target1Price) {
			return fmt.Errorf("%w: long bracket must satisfy stop < entry < tp1 <= tp2", ErrInvalidSignal)
		}
		return nil
	}
	if !s.StopPrice.GreaterThan(s.EntryPrice) || !s.Target1Price.LessThan(s.EntryPrice) ||
		s.Target2Price.GreaterThan(s.Target1Price) {
		return fmt.Errorf("%w: short bracket must satisfy stop > entry > tp1 >= tp2", ErrInvalidSignal)
	}
	return nil
}

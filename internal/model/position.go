package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tier identifies a staged take-profit level.
type Tier string

const (
	TP1 Tier = "TP1"
	TP2 Tier = "TP2"
)

// IntentOrphaned marks a staged exit whose broker order is missing.
const IntentOrphaned IntentState = "ORPHANED"

// Lot is a FIFO entry unit.
type Lot struct {
	LotID      string          `json:"lot_id"`
	Quantity   int64           `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StagedExit is a protective stop+target bracket covering part of a
// position.
type StagedExit struct {
	ExitID        string          `json:"exit_id"`
	Quantity      int64           `json:"quantity"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	Tier          Tier            `json:"tier"`
	OrderIntentID string          `json:"order_intent_id"`
	OrderState    IntentState     `json:"order_state"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
}

// InFlight reports whether the exit has not yet reached a settled state.
func (e StagedExit) InFlight() bool {
	switch e.OrderState {
	case IntentPending, IntentSubmitted, IntentOrphaned:
		return true
	}
	return false
}

// Levels are the bracket prices carried from the most recent open.
type Levels struct {
	Stop    decimal.Decimal `json:"stop"`
	Target1 decimal.Decimal `json:"target1"`
	Target2 decimal.Decimal `json:"target2"`
}

// Position is the ledger's record for one symbol.
type Position struct {
	Symbol          string       `json:"symbol"`
	Direction       Direction    `json:"direction"`
	NetQuantity     int64        `json:"net_quantity"`
	Lots            []Lot        `json:"lots"`
	StagedExits     []StagedExit `json:"staged_exits"`
	Version         int64        `json:"version"`
	Closed          bool         `json:"closed"`
	NeedsAttention  bool         `json:"needs_attention"`
	AttentionReason string       `json:"attention_reason,omitempty"`
	Levels          Levels       `json:"levels"`
	LastSignalTime  time.Time    `json:"last_signal_time"`
	RecentSignals   []string     `json:"recent_signals"`
	NextLotSeq      int64        `json:"next_lot_seq"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	cp := p
	cp.Lots = append([]Lot(nil), p.Lots...)
	cp.StagedExits = append([]StagedExit(nil), p.StagedExits...)
	cp.RecentSignals = append([]string(nil), p.RecentSignals...)
	return cp
}

// LotQuantity sums all lot quantities.
func (p Position) LotQuantity() int64 {
	var n int64
	for _, l := range p.Lots {
		n += l.Quantity
	}
	return n
}

// ProtectedQuantity sums all staged exit quantities.
func (p Position) ProtectedQuantity() int64 {
	var n int64
	for _, e := range p.StagedExits {
		n += e.Quantity
	}
	return n
}

// Settled reports whether no exit is in flight and nothing is flagged.
func (p Position) Settled() bool {
	if p.NeedsAttention {
		return false
	}
	for _, e := range p.StagedExits {
		if e.InFlight() {
			return false
		}
	}
	return true
}

// Exit returns the staged exit for tier, if any.
func (p Position) Exit(tier Tier) (StagedExit, bool) {
	for _, e := range p.StagedExits {
		if e.Tier == tier {
			return e, true
		}
	}
	return StagedExit{}, false
}

// HasSignal reports whether key is in the recent-signal window.
func (p Position) HasSignal(key string) bool {
	for _, k := range p.RecentSignals {
		if k == key {
			return true
		}
	}
	return false
}

// RememberSignal appends key to the recent-signal window, evicting the
// oldest entries beyond window.
func (p *Position) RememberSignal(key string, window int) {
	if p.HasSignal(key) {
		return
	}
	p.RecentSignals = append(p.RecentSignals, key)
	if window > 0 && len(p.RecentSignals) > window {
		p.RecentSignals = append([]string(nil), p.RecentSignals[len(p.RecentSignals)-window:]...)
	}
}

// Flag sets the needs-attention marker.
func (p *Position) Flag(reason string) {
	p.NeedsAttention = true
	if p.AttentionReason == "" {
		p.AttentionReason = reason
	} else if reason != "" && reason != p.AttentionReason {
		p.AttentionReason = p.AttentionReason + "; " + reason
	}
}

// CheckInvariants verifies ledger invariants. The exit-coverage rule only
// applies when the position is settled.
func (p Position) CheckInvariants() error {
	if lots := p.LotQuantity(); lots != p.NetQuantity {
		return fmt.Errorf("%w: %s net %d != lots %d", ErrInvariant, p.Symbol, p.NetQuantity, lots)
	}
	if p.NetQuantity < 0 {
		return fmt.Errorf("%w: %s negative net %d", ErrInvariant, p.Symbol, p.NetQuantity)
	}
	seen := make(map[string]bool, len(p.StagedExits))
	for _, e := range p.StagedExits {
		if e.Quantity <= 0 {
			return fmt.Errorf("%w: %s exit %s has quantity %d", ErrInvariant, p.Symbol, e.ExitID, e.Quantity)
		}
		if seen[e.OrderIntentID] {
			return fmt.Errorf("%w: %s duplicate exit intent %s", ErrInvariant, p.Symbol, e.OrderIntentID)
		}
		seen[e.OrderIntentID] = true
	}
	if p.Settled() {
		if prot := p.ProtectedQuantity(); prot != p.NetQuantity {
			return fmt.Errorf("%w: %s net %d != protected %d", ErrInvariant, p.Symbol, p.NetQuantity, prot)
		}
	}
	return nil
}

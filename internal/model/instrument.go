package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultTickSize is used for symbols missing from the instrument table.
var DefaultTickSize = decimal.RequireFromString("0.25")

// Instrument describes a tradeable futures contract.
type Instrument struct {
	Symbol          string          `json:"symbol" yaml:"symbol"`
	Name            string          `json:"name,omitempty" yaml:"name"`
	TickSize        decimal.Decimal `json:"tick_size" yaml:"tick_size"`
	MaxPositionSize int64           `json:"max_position_size,omitempty" yaml:"max_position_size"` // 0 = engine default
}

// RoundToTick rounds p to the nearest multiple of the tick size.
// Exact halves round to the even tick.
func (i Instrument) RoundToTick(p decimal.Decimal) decimal.Decimal {
	if !i.TickSize.IsPositive() {
		return p
	}
	return p.Div(i.TickSize).RoundBank(0).Mul(i.TickSize)
}

// OnTick reports whether p is already a multiple of the tick size.
func (i Instrument) OnTick(p decimal.Decimal) bool {
	if !i.TickSize.IsPositive() {
		return true
	}
	return p.Mod(i.TickSize).IsZero()
}

// CME tick sizes for the contracts the alert feeds trade.
var defaultTickSizes = map[string]string{
	"ES":  "0.25",
	"MES": "0.25",
	"NQ":  "0.25",
	"MNQ": "0.25",
	"YM":  "1",
	"MYM": "0.5",
	"RTY": "0.1",
	"M2K": "0.1",
	"CL":  "0.01",
	"NG":  "0.001",
	"GC":  "0.1",
	"SI":  "0.005",
	"MGC": "0.1",
}

// InstrumentTable resolves symbols to instruments. Lookups fall back to the
// built-in CME table and then to DefaultTickSize.
type InstrumentTable map[string]Instrument

// DefaultInstruments returns the built-in CME instrument table.
func DefaultInstruments() InstrumentTable {
	t := make(InstrumentTable, len(defaultTickSizes))
	for sym, ts := range defaultTickSizes {
		t[sym] = Instrument{Symbol: sym, TickSize: decimal.RequireFromString(ts)}
	}
	return t
}

// Lookup returns the instrument for symbol. Continuous or dated contract
// names ("MNQ1!", "MNQZ5") resolve through their root symbol.
func (t InstrumentTable) Lookup(symbol string) Instrument {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if inst, ok := t[sym]; ok {
		return withSymbol(inst, sym)
	}
	root := RootSymbol(sym)
	if inst, ok := t[root]; ok {
		return withSymbol(inst, sym)
	}
	if ts, ok := defaultTickSizes[root]; ok {
		return Instrument{Symbol: sym, TickSize: decimal.RequireFromString(ts)}
	}
	return Instrument{Symbol: sym, TickSize: DefaultTickSize}
}

func withSymbol(inst Instrument, sym string) Instrument {
	inst.Symbol = sym
	if !inst.TickSize.IsPositive() {
		inst.TickSize = DefaultTickSize
	}
	return inst
}

// RootSymbol strips continuous-contract suffixes ("1!") and CME month/year
// codes ("Z5", "H26") from a futures symbol.
func RootSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "!")
	s = strings.TrimRight(s, "0123456789")
	if _, ok := defaultTickSizes[s]; ok {
		return s
	}
	if n := len(s); n > 1 && strings.ContainsRune("FGHJKMNQUVXZ", rune(s[n-1])) {
		if _, ok := defaultTickSizes[s[:n-1]]; ok {
			return s[:n-1]
		}
	}
	return s
}

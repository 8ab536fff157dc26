// Package planner turns a trade signal and the current position into an
// ExitPlan: the entry order, the staged-exit cancels and replacements, and
// any market exit, together with the position that results once the plan
// is confirmed by the broker.
//
// Plan is a pure function. It never talks to the broker or the ledger.
//
// Quantity is split across two take-profit tiers by lot age: the oldest
// units are protected by TP1 (the nearer target), the newest by TP2. Trims
// consume lots oldest first, so they always eat TP1 before TP2.
package planner

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exitengine/internal/model"
)

// intentNamespace scopes intent ids generated by this engine.
var intentNamespace = uuid.MustParse("5b7f6c1e-2f43-4c4b-9a55-0d6a3c8e91b2")

// Config holds the tunables of the tier split and dedupe window.
type Config struct {
	// TP1FractionBps is the share of the position assigned to TP1, in basis
	// points. TP1 always covers at least one contract.
	TP1FractionBps int64
	// CloseEntireAtTP1 assigns the whole position to TP1.
	CloseEntireAtTP1 bool
	// DedupeWindow bounds the recent-signal set per position.
	DedupeWindow int
}

// DefaultConfig returns a 75/25 split with a 256-signal dedupe window.
func DefaultConfig() Config {
	return Config{TP1FractionBps: 7500, DedupeWindow: 256}
}

// Split returns the TP1 and TP2 quantities for a net position.
func (c Config) Split(net int64) (tp1, tp2 int64) {
	if net <= 0 {
		return 0, 0
	}
	if c.CloseEntireAtTP1 {
		return net, 0
	}
	bps := c.TP1FractionBps
	if bps <= 0 || bps >= 10000 {
		bps = 7500
	}
	// round half to even: 6 at 75% is 4/2, 10 at 75% is 8/2
	tp1, rem := net*bps/10000, net*bps%10000
	if rem > 5000 || (rem == 5000 && tp1%2 == 1) {
		tp1++
	}
	if tp1 < 1 {
		tp1 = 1
	}
	if tp1 > net {
		tp1 = net
	}
	return tp1, net - tp1
}

// ExitChange replaces (or just cancels, or just creates) the staged exit of
// one tier. When both are set the cancel must be confirmed before the
// create is sent.
type ExitChange struct {
	Tier         model.Tier         `json:"tier"`
	Cancel       *model.StagedExit  `json:"cancel,omitempty"`
	CancelIntent *model.OrderIntent `json:"cancel_intent,omitempty"`
	Create       *model.StagedExit  `json:"create,omitempty"`
	CreateIntent *model.OrderIntent `json:"create_intent,omitempty"`
}

// MarketExit is a closing market order. Quantity the broker already filled
// on the covered exits is deducted from it at dispatch time.
type MarketExit struct {
	Intent         model.OrderIntent `json:"intent"`
	CoveredExitIDs []string          `json:"covered_exit_ids"`
}

// ExitPlan is the output of Plan.
type ExitPlan struct {
	Symbol      string             `json:"symbol"`
	Signal      model.TradeSignal  `json:"signal"`
	BaseVersion int64              `json:"base_version"`
	Duplicate   bool               `json:"duplicate"`
	Entry       *model.OrderIntent `json:"entry,omitempty"`
	Changes     []ExitChange       `json:"changes,omitempty"`
	Exits       []MarketExit       `json:"exits,omitempty"`
	Result      model.Position     `json:"result"`
}

// Empty reports whether the plan carries no broker work.
func (p ExitPlan) Empty() bool {
	return p.Entry == nil && len(p.Changes) == 0 && len(p.Exits) == 0
}

// Intents lists every intent in dispatch order: entry, cancels, creates,
// market exits.
func (p ExitPlan) Intents() []model.OrderIntent {
	var out []model.OrderIntent
	if p.Entry != nil {
		out = append(out, *p.Entry)
	}
	for _, c := range p.Changes {
		if c.CancelIntent != nil {
			out = append(out, *c.CancelIntent)
		}
	}
	for _, c := range p.Changes {
		if c.CreateIntent != nil {
			out = append(out, *c.CreateIntent)
		}
	}
	for _, e := range p.Exits {
		out = append(out, e.Intent)
	}
	return out
}

// IntentID derives the idempotency key of an intent from its origin.
func IntentID(symbol, action, signalID string, tier model.Tier) string {
	return uuid.NewSHA1(intentNamespace, []byte(symbol+"|"+action+"|"+signalID+"|"+string(tier))).String()
}

// Plan computes the ExitPlan for sig against pos. A zero pos (empty Symbol)
// means no position exists yet. Errors wrap model.ErrInvalidSignal.
func Plan(cfg Config, pos model.Position, sig model.TradeSignal, inst model.Instrument) (ExitPlan, error) {
	if pos.Symbol == "" {
		pos = model.Position{Symbol: sig.Symbol, Direction: sig.Direction}
	}
	plan := ExitPlan{
		Symbol:      pos.Symbol,
		Signal:      sig,
		BaseVersion: pos.Version,
	}

	if pos.HasSignal(sig.Key()) {
		plan.Duplicate = true
		plan.Result = pos.Clone()
		return plan, nil
	}

	b := builder{cfg: cfg, inst: inst, sig: sig, signalID: sig.Key(), next: pos.Clone()}

	var err error
	switch sig.Action {
	case model.ActionOpen:
		err = b.open(&plan)
	case model.ActionTrim:
		err = b.trim(&plan)
	case model.ActionClose:
		err = b.close(&plan)
	default:
		err = fmt.Errorf("%w: unknown action %q", model.ErrInvalidSignal, sig.Action)
	}
	if err != nil {
		return ExitPlan{}, err
	}

	if sig.SignalTime.After(b.next.LastSignalTime) {
		b.next.LastSignalTime = sig.SignalTime
	}
	b.next.RememberSignal(sig.Key(), cfg.DedupeWindow)
	sortExits(b.next.StagedExits)
	plan.Result = b.next
	return plan, nil
}

type builder struct {
	cfg      Config
	inst     model.Instrument
	sig      model.TradeSignal
	signalID string
	next     model.Position
}

func (b *builder) open(plan *ExitPlan) error {
	sig := b.sig
	if b.next.NetQuantity > 0 && b.next.Direction != sig.Direction {
		return fmt.Errorf("%w: %s open %s against open %s position", model.ErrInvalidSignal,
			sig.Symbol, sig.Direction, b.next.Direction)
	}
	if b.next.NetQuantity == 0 {
		b.next.Direction = sig.Direction
		b.next.Closed = false
	}

	entry := b.intent("entry", "", sig.Direction.EntrySide(), sig.QuantityDelta, model.KindMarket)
	plan.Entry = &entry

	b.next.NextLotSeq++
	b.next.Lots = append(b.next.Lots, model.Lot{
		LotID:      b.next.Symbol + "-L" + strconv.FormatInt(b.next.NextLotSeq, 10),
		Quantity:   sig.QuantityDelta,
		EntryPrice: b.inst.RoundToTick(sig.EntryPrice),
		CreatedAt:  sig.SignalTime,
	})
	b.next.NetQuantity += sig.QuantityDelta
	b.next.Levels = model.Levels{
		Stop:    b.inst.RoundToTick(sig.StopPrice),
		Target1: b.inst.RoundToTick(sig.Target1Price),
		Target2: b.inst.RoundToTick(sig.Target2Price),
	}

	tp1, tp2 := b.cfg.Split(b.next.NetQuantity)
	b.rebalance(plan, model.TP1, tp1)
	b.rebalance(plan, model.TP2, tp2)
	return nil
}

// rebalance replaces the tier's exit when its quantity or prices differ
// from what the position now needs. An unchanged exit is left alone.
func (b *builder) rebalance(plan *ExitPlan, tier model.Tier, qty int64) {
	stop := b.next.Levels.Stop
	tgt := b.tierTarget(tier)
	existing, has := b.next.Exit(tier)
	if has && existing.Quantity == qty && existing.StopPrice.Equal(stop) && existing.TargetPrice.Equal(tgt) {
		return
	}
	if !has && qty == 0 {
		return
	}
	change := ExitChange{Tier: tier}
	if has {
		b.cancel(&change, existing)
	}
	if qty > 0 {
		b.create(&change, tier, qty, stop, tgt)
	}
	plan.Changes = append(plan.Changes, change)
}

func (b *builder) tierTarget(tier model.Tier) decimal.Decimal {
	if tier == model.TP1 {
		return b.next.Levels.Target1
	}
	return b.next.Levels.Target2
}

func (b *builder) trim(plan *ExitPlan) error {
	sig := b.sig
	if err := b.checkConsume(sig.QuantityDelta); err != nil {
		return err
	}

	b.consumeLots(sig.QuantityDelta)

	// FIFO across tiers: TP1 covers the oldest units, so it is consumed
	// first and any remainder shrinks TP2.
	remaining := sig.QuantityDelta
	var covered []string
	for _, tier := range []model.Tier{model.TP1, model.TP2} {
		if remaining == 0 {
			break
		}
		existing, has := b.next.Exit(tier)
		if !has {
			continue
		}
		take := existing.Quantity
		if take > remaining {
			take = remaining
		}
		remaining -= take
		covered = append(covered, existing.ExitID)

		change := ExitChange{Tier: tier}
		b.cancel(&change, existing)
		if left := existing.Quantity - take; left > 0 {
			b.create(&change, tier, left, existing.StopPrice, existing.TargetPrice)
		}
		plan.Changes = append(plan.Changes, change)
	}

	exit := b.intent("exit", "", b.next.Direction.ExitSide(), sig.QuantityDelta, model.KindMarket)
	plan.Exits = append(plan.Exits, MarketExit{Intent: exit, CoveredExitIDs: covered})

	if b.next.NetQuantity == 0 {
		b.next.Closed = true
	}
	return nil
}

func (b *builder) close(plan *ExitPlan) error {
	sig := b.sig
	if b.next.NetQuantity == 0 {
		return fmt.Errorf("%w: %s close with no open position", model.ErrInvalidSignal, sig.Symbol)
	}
	if sig.Direction != b.next.Direction {
		return fmt.Errorf("%w: %s close %s against %s position", model.ErrInvalidSignal,
			sig.Symbol, sig.Direction, b.next.Direction)
	}

	qty := b.next.NetQuantity
	var covered []string
	for _, existing := range append([]model.StagedExit(nil), b.next.StagedExits...) {
		change := ExitChange{Tier: existing.Tier}
		b.cancel(&change, existing)
		plan.Changes = append(plan.Changes, change)
		covered = append(covered, existing.ExitID)
	}

	exit := b.intent("exit", "", b.next.Direction.ExitSide(), qty, model.KindMarket)
	plan.Exits = append(plan.Exits, MarketExit{Intent: exit, CoveredExitIDs: covered})

	b.next.Lots = nil
	b.next.NetQuantity = 0
	b.next.Closed = true
	return nil
}

func (b *builder) checkConsume(qty int64) error {
	sig := b.sig
	if b.next.NetQuantity > 0 && sig.Direction != b.next.Direction {
		return fmt.Errorf("%w: %s %s %s against %s position", model.ErrInvalidSignal,
			sig.Symbol, sig.Action, sig.Direction, b.next.Direction)
	}
	if qty <= b.next.NetQuantity {
		return nil
	}
	if !b.next.LastSignalTime.IsZero() && sig.SignalTime.Before(b.next.LastSignalTime) {
		return fmt.Errorf("%w: %s out-of-order %s of %d at %s, only %d open after %s", model.ErrInvalidSignal,
			sig.Symbol, sig.Action, qty, sig.SignalTime.Format("15:04:05.000"), b.next.NetQuantity,
			b.next.LastSignalTime.Format("15:04:05.000"))
	}
	return fmt.Errorf("%w: %s %s of %d exceeds open quantity %d", model.ErrInvalidSignal,
		sig.Symbol, sig.Action, qty, b.next.NetQuantity)
}

// consumeLots removes qty from the oldest lots first.
func (b *builder) consumeLots(qty int64) {
	lots := b.next.Lots[:0:0]
	for _, l := range b.next.Lots {
		if qty > 0 {
			take := l.Quantity
			if take > qty {
				take = qty
			}
			l.Quantity -= take
			qty -= take
		}
		if l.Quantity > 0 {
			lots = append(lots, l)
		}
	}
	b.next.Lots = lots
	b.next.NetQuantity = b.next.LotQuantity()
}

func (b *builder) cancel(change *ExitChange, existing model.StagedExit) {
	ex := existing
	ci := b.intent("cancel", existing.Tier, b.next.Direction.ExitSide(), existing.Quantity, model.KindCancel)
	ci.LinkedStagedExitID = existing.ExitID
	ci.TargetOrderID = existing.BrokerOrderID
	change.Cancel = &ex
	change.CancelIntent = &ci
	b.removeExit(existing.ExitID)
}

func (b *builder) create(change *ExitChange, tier model.Tier, qty int64, stop, target decimal.Decimal) {
	ci := b.intent("create", tier, b.next.Direction.ExitSide(), qty, model.KindBracket)
	ci.StopPrice = stop
	ci.LimitPrice = target
	ci.LinkedStagedExitID = ci.IntentID
	ex := model.StagedExit{
		ExitID:        ci.IntentID,
		Quantity:      qty,
		StopPrice:     stop,
		TargetPrice:   target,
		Tier:          tier,
		OrderIntentID: ci.IntentID,
		OrderState:    model.IntentPending,
	}
	change.Create = &ex
	change.CreateIntent = &ci
	b.next.StagedExits = append(b.next.StagedExits, ex)
}

func (b *builder) removeExit(exitID string) {
	out := b.next.StagedExits[:0:0]
	for _, e := range b.next.StagedExits {
		if e.ExitID != exitID {
			out = append(out, e)
		}
	}
	b.next.StagedExits = out
}

func (b *builder) intent(action string, tier model.Tier, side model.Side, qty int64, kind model.OrderKind) model.OrderIntent {
	return model.OrderIntent{
		IntentID: IntentID(b.next.Symbol, action, b.signalID, tier),
		Symbol:   b.next.Symbol,
		Side:     side,
		Quantity: qty,
		Kind:     kind,
		State:    model.IntentPending,
	}
}

func sortExits(exits []model.StagedExit) {
	sort.SliceStable(exits, func(i, j int) bool { return exits[i].Tier < exits[j].Tier })
}

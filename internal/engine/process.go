package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/execution"
	"exitengine/internal/logger"
	"exitengine/internal/model"
	"exitengine/internal/planner"
)

// Outcome classifies how a signal was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Result describes one processed signal.
type Result struct {
	Symbol    string                `json:"symbol"`
	SignalKey string                `json:"signal_key"`
	Outcome   Outcome               `json:"outcome"`
	Position  model.Position        `json:"position"`
	Plan      planner.ExitPlan      `json:"plan"`
	Dispatch  execution.PlanOutcome `json:"-"`
}

// Process applies sig on its symbol's worker and waits for the outcome.
//
// Duplicates return OutcomeDuplicate and no error. Rejections return an
// error wrapping model.ErrInvalidSignal with the ledger untouched. A failed
// dispatch returns the broker error; the position keeps its last good
// state flagged for attention and the signal is not marked as seen, so a
// redelivery retries it under the same intent ids.
func (e *Engine) Process(ctx context.Context, sig model.TradeSignal) (Result, error) {
	if err := sig.Validate(); err != nil {
		return e.reject(ctx, sig, model.Position{}, err)
	}
	out := make(chan Result, 1)
	err := e.WithSymbol(ctx, sig.Symbol, func(ctx context.Context) error {
		res, err := e.apply(ctx, sig)
		out <- res
		return err
	})
	select {
	case res := <-out:
		return res, err
	default:
		return Result{Symbol: sig.Symbol, SignalKey: sig.Key()}, err
	}
}

// apply runs on the symbol's worker.
func (e *Engine) apply(ctx context.Context, sig model.TradeSignal) (Result, error) {
	start := e.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(sig.Symbol, sig.SignalTime))
	log := e.log.With(zap.String("symbol", sig.Symbol), zap.String("signal", sig.Key()), zap.String("action", string(sig.Action)))
	log = log.With(logger.LogWithTrace(ctx)...)
	defer func() {
		if e.metrics != nil {
			e.metrics.SignalDuration.Observe(e.now().Sub(start).Seconds())
		}
		if e.health != nil {
			e.health.SetLastSignal(e.now())
		}
	}()

	inst := e.cfg.Instruments.Lookup(sig.Symbol)
	for attempt := 0; ; attempt++ {
		pos, _ := e.ledger.Get(sig.Symbol)
		if pos.HasSignal(sig.Key()) {
			return e.duplicate(ctx, sig, pos)
		}
		if e.guard != nil {
			if err := e.guard.Check(sig, pos, inst); err != nil {
				return e.reject(ctx, sig, pos, err)
			}
		}
		plan, err := planner.Plan(e.cfg.Planner, pos, sig, inst)
		if err != nil {
			return e.reject(ctx, sig, pos, err)
		}
		if plan.Duplicate {
			return e.duplicate(ctx, sig, pos)
		}

		out := e.disp.Execute(ctx, plan)
		if out.Failed() {
			return e.fail(ctx, sig, plan, out)
		}

		plan.Result = out.Result
		for _, reason := range out.Attention {
			plan.Result.Flag(reason)
		}
		committed, err := e.ledger.ApplyPlan(sig.Symbol, plan, plan.BaseVersion)
		if errors.Is(err, model.ErrVersionConflict) && attempt == 0 {
			// intents already sent are answered from the ack cache
			log.Warn("version conflict, replanning", zap.Error(err))
			if e.metrics != nil {
				e.metrics.VersionConflicts.Inc()
			}
			continue
		}
		if err != nil {
			out.Err = fmt.Errorf("apply plan: %w", err)
			return e.fail(ctx, sig, plan, out)
		}

		e.ledger.SetPending(sig.Symbol, out.Unsettled())
		e.persist(ctx, committed)

		absorbed := absorbedQuantity(plan, out)
		log.Info("plan applied",
			zap.Int64("version", committed.Version),
			zap.Int64("net", committed.NetQuantity),
			zap.Int("intents", len(out.Results)),
			zap.Int64("absorbed", absorbed))

		e.emit(ctx, audit.KindApplied, sig, committed, out, "")
		if len(out.Attention) > 0 {
			e.emit(ctx, audit.KindAttention, sig, committed, out, committed.AttentionReason)
		}
		if e.metrics != nil {
			e.metrics.SignalsTotal.WithLabelValues(string(sig.Action), string(OutcomeApplied)).Inc()
			e.metrics.AbsorbedFills.Add(float64(absorbed))
		}
		e.observePositions()
		return Result{
			Symbol:    sig.Symbol,
			SignalKey: sig.Key(),
			Outcome:   OutcomeApplied,
			Position:  committed,
			Plan:      plan,
			Dispatch:  out,
		}, nil
	}
}

func (e *Engine) duplicate(ctx context.Context, sig model.TradeSignal, pos model.Position) (Result, error) {
	e.log.Info("duplicate signal ignored", zap.String("symbol", sig.Symbol), zap.String("signal", sig.Key()))
	e.emit(ctx, audit.KindDuplicate, sig, pos, execution.PlanOutcome{}, "")
	if e.metrics != nil {
		e.metrics.SignalsTotal.WithLabelValues(string(sig.Action), string(OutcomeDuplicate)).Inc()
	}
	return Result{Symbol: sig.Symbol, SignalKey: sig.Key(), Outcome: OutcomeDuplicate, Position: pos}, nil
}

func (e *Engine) reject(ctx context.Context, sig model.TradeSignal, pos model.Position, err error) (Result, error) {
	e.log.Warn("signal rejected", zap.String("symbol", sig.Symbol), zap.String("signal", sig.Key()), zap.Error(err))
	if pos.Symbol == "" {
		pos.Symbol = sig.Symbol
	}
	e.emit(ctx, audit.KindRejected, sig, pos, execution.PlanOutcome{}, err.Error())
	if e.metrics != nil {
		e.metrics.SignalsTotal.WithLabelValues(string(sig.Action), string(OutcomeRejected)).Inc()
	}
	return Result{Symbol: sig.Symbol, SignalKey: sig.Key(), Outcome: OutcomeRejected, Position: pos}, err
}

// fail keeps the last good state, flags it, and leaves the signal unseen.
func (e *Engine) fail(ctx context.Context, sig model.TradeSignal, plan planner.ExitPlan, out execution.PlanOutcome) (Result, error) {
	reason := fmt.Sprintf("signal %s failed: %v", sig.Key(), out.Err)
	e.log.Error("plan failed",
		zap.String("symbol", sig.Symbol),
		zap.String("signal", sig.Key()),
		zap.Int("unsettled", len(out.Unsettled())),
		zap.Error(out.Err))

	flagged, err := e.flag(sig.Symbol, sig.Direction, reason)
	if err != nil {
		e.log.Error("could not flag position", zap.String("symbol", sig.Symbol), zap.Error(err))
	} else {
		e.persist(ctx, flagged)
	}
	e.ledger.SetPending(sig.Symbol, out.Unsettled())

	e.emit(ctx, audit.KindFailed, sig, flagged, out, reason)
	if e.metrics != nil {
		e.metrics.SignalsTotal.WithLabelValues(string(sig.Action), string(OutcomeFailed)).Inc()
	}
	e.observePositions()
	return Result{
		Symbol:    sig.Symbol,
		SignalKey: sig.Key(),
		Outcome:   OutcomeFailed,
		Position:  flagged,
		Plan:      plan,
		Dispatch:  out,
	}, fmt.Errorf("engine: %s: %w", sig.Symbol, out.Err)
}

// flag marks the current ledger state for attention. Must run on the
// symbol's worker.
func (e *Engine) flag(symbol string, dir model.Direction, reason string) (model.Position, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		cur, ok := e.ledger.Get(symbol)
		if !ok {
			cur = model.Position{Symbol: symbol, Direction: dir}
		}
		cur.Flag(reason)
		var committed model.Position
		committed, err = e.ledger.Replace(symbol, cur, cur.Version)
		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			break
		}
	}
	return model.Position{}, err
}

// ClearAttention clears the attention flag once an operator has resolved
// it. It fails if the position does not satisfy every invariant unflagged.
func (e *Engine) ClearAttention(ctx context.Context, symbol string) (model.Position, error) {
	var out model.Position
	err := e.WithSymbol(ctx, symbol, func(ctx context.Context) error {
		cur, ok := e.ledger.Get(symbol)
		if !ok {
			return fmt.Errorf("engine: %s: %w", symbol, model.ErrNotFound)
		}
		if !cur.NeedsAttention {
			out = cur
			return nil
		}
		prev := cur.AttentionReason
		cur.NeedsAttention = false
		cur.AttentionReason = ""
		committed, err := e.ledger.Replace(symbol, cur, cur.Version)
		if err != nil {
			return err
		}
		e.ledger.SetPending(symbol, nil)
		e.persist(ctx, committed)
		e.log.Info("attention cleared", zap.String("symbol", symbol), zap.String("was", prev))
		e.observePositions()
		out = committed
		return nil
	})
	return out, err
}

func (e *Engine) persist(ctx context.Context, pos model.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, pos); err != nil {
		e.log.Error("snapshot save failed", zap.String("symbol", pos.Symbol), zap.Int64("version", pos.Version), zap.Error(err))
	}
}

func (e *Engine) emit(ctx context.Context, kind audit.Kind, sig model.TradeSignal, pos model.Position, out execution.PlanOutcome, msg string) {
	ev := audit.Event{
		Kind:      kind,
		SignalKey: sig.Key(),
		Action:    sig.Action,
		Message:   msg,
		TraceID:   logger.TraceID(ctx),
	}
	ev.FromPosition(pos)
	if ev.Symbol == "" {
		ev.Symbol = sig.Symbol
	}
	for _, r := range out.Results {
		line := audit.IntentLine{
			IntentID:      r.Intent.IntentID,
			Kind:          r.Intent.Kind,
			Side:          r.Intent.Side,
			Quantity:      r.Intent.Quantity,
			State:         r.Ack.State,
			BrokerOrderID: r.Ack.BrokerOrderID,
			Message:       r.Reason,
		}
		if r.Err != nil {
			line.Message = r.Err.Error()
		}
		ev.Intents = append(ev.Intents, line)
	}
	ev.Stamp(e.now())
	e.audit.Emit(ev)
}

func (e *Engine) observePositions() {
	positions := e.ledger.All()
	var attention int
	if e.metrics != nil {
		_, attention = e.metrics.ObservePositions(positions)
	} else {
		for _, p := range positions {
			if p.NeedsAttention {
				attention++
			}
		}
	}
	if e.health != nil {
		e.health.SetNeedsAttention(attention)
	}
}

// absorbedQuantity is how much of the planned market exits a bracket fill
// covered.
func absorbedQuantity(plan planner.ExitPlan, out execution.PlanOutcome) int64 {
	planned := make(map[string]int64, len(plan.Exits))
	for _, me := range plan.Exits {
		planned[me.Intent.IntentID] = me.Intent.Quantity
	}
	var n int64
	for _, r := range out.Results {
		if q, ok := planned[r.Intent.IntentID]; ok {
			n += q - r.Intent.Quantity
		}
	}
	return n
}

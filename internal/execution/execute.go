package execution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"exitengine/internal/model"
	"exitengine/internal/planner"
)

// IntentResult is the dispatch outcome of one intent.
type IntentResult struct {
	Intent  model.OrderIntent `json:"intent"`
	Ack     model.Ack         `json:"ack"`
	Err     error             `json:"-"`
	Skipped bool              `json:"skipped,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// PlanOutcome is the result of executing an ExitPlan.
type PlanOutcome struct {
	Results []IntentResult
	// Result is plan.Result with broker order ids and states filled in.
	// Only meaningful when Err is nil.
	Result model.Position
	// Err is the first hard failure. Intents after it were not sent.
	Err error
	// Attention lists anomalies the position must be flagged for even
	// though execution completed.
	Attention []string
}

// Failed reports whether the plan did not complete.
func (o PlanOutcome) Failed() bool { return o.Err != nil }

// Unsettled returns every intent that did not reach a confirmed state.
func (o PlanOutcome) Unsettled() []model.OrderIntent {
	var out []model.OrderIntent
	for _, r := range o.Results {
		if r.Skipped || r.Ack.State.Confirmed() {
			continue
		}
		in := r.Intent
		in.State = r.Ack.State
		out = append(out, in)
	}
	return out
}

// Execute sends a plan in dispatch order: entry, cancels, creates, market
// exits. A create is only sent once every cancel of the plan is confirmed.
//
// A cancel that comes back FILLED means the bracket fired at the broker
// before it could be pulled. Its filled quantity is deducted from the market
// exits covering it, so contracts already sold are not sold again. A
// replacement for a filled bracket is not created; the position is flagged
// instead.
func (d *Dispatcher) Execute(ctx context.Context, plan planner.ExitPlan) PlanOutcome {
	out := PlanOutcome{Result: plan.Result.Clone()}
	if plan.Duplicate || plan.Empty() {
		return out
	}
	log := d.log.With(zap.String("symbol", plan.Symbol), zap.String("signal", plan.Signal.Key()))

	if plan.Entry != nil {
		ack, err := d.Submit(ctx, *plan.Entry)
		out.Results = append(out.Results, IntentResult{Intent: *plan.Entry, Ack: ack, Err: err})
		if err != nil {
			out.Err = fmt.Errorf("entry: %w", err)
			return out
		}
	}

	filled := make(map[string]int64)
	for _, c := range plan.Changes {
		if c.CancelIntent == nil {
			continue
		}
		ack, err := d.Cancel(ctx, *c.CancelIntent)
		out.Results = append(out.Results, IntentResult{Intent: *c.CancelIntent, Ack: ack, Err: err})
		if err != nil {
			out.Err = fmt.Errorf("cancel %s: %w", c.Tier, err)
			return out
		}
		if ack.State == model.IntentFilled {
			qty := ack.FilledQuantity
			if qty <= 0 {
				qty = c.Cancel.Quantity
			}
			filled[c.Cancel.ExitID] = qty
			log.Warn("exit filled before cancel",
				zap.String("exit", c.Cancel.ExitID), zap.String("tier", string(c.Tier)), zap.Int64("filled", qty))
		}
	}

	for _, c := range plan.Changes {
		if c.CreateIntent == nil {
			continue
		}
		if c.Cancel != nil && filled[c.Cancel.ExitID] > 0 {
			reason := fmt.Sprintf("%s exit %s filled at broker before replacement", c.Tier, c.Cancel.ExitID)
			out.Results = append(out.Results, IntentResult{Intent: *c.CreateIntent, Skipped: true, Reason: reason})
			out.Result.StagedExits = dropExit(out.Result.StagedExits, c.Create.ExitID)
			out.Attention = append(out.Attention, reason)
			continue
		}
		ack, err := d.Submit(ctx, *c.CreateIntent)
		out.Results = append(out.Results, IntentResult{Intent: *c.CreateIntent, Ack: ack, Err: err})
		if err != nil {
			out.Err = fmt.Errorf("create %s: %w", c.Tier, err)
			return out
		}
		for i := range out.Result.StagedExits {
			if out.Result.StagedExits[i].ExitID == c.Create.ExitID {
				out.Result.StagedExits[i].OrderState = ack.State
				out.Result.StagedExits[i].BrokerOrderID = ack.BrokerOrderID
			}
		}
	}

	for _, me := range plan.Exits {
		var absorbed int64
		for _, id := range me.CoveredExitIDs {
			absorbed += filled[id]
		}
		intent := me.Intent
		if absorbed > intent.Quantity {
			out.Attention = append(out.Attention, fmt.Sprintf(
				"broker filled %d on covered exits, signal closed only %d", absorbed, intent.Quantity))
			absorbed = intent.Quantity
		}
		if absorbed > 0 {
			log.Info("market exit reduced by bracket fill",
				zap.String("intent", intent.IntentID), zap.Int64("planned", intent.Quantity), zap.Int64("absorbed", absorbed))
			intent.Quantity -= absorbed
		}
		if intent.Quantity == 0 {
			out.Results = append(out.Results, IntentResult{
				Intent:  intent,
				Ack:     model.Ack{IntentID: intent.IntentID, State: model.IntentFilled, FilledQuantity: absorbed, Message: "covered by bracket fill"},
				Skipped: true,
				Reason:  "covered by bracket fill",
			})
			continue
		}
		ack, err := d.Submit(ctx, intent)
		out.Results = append(out.Results, IntentResult{Intent: intent, Ack: ack, Err: err})
		if err != nil {
			out.Err = fmt.Errorf("market exit: %w", err)
			return out
		}
	}
	return out
}

func dropExit(exits []model.StagedExit, exitID string) []model.StagedExit {
	out := exits[:0:0]
	for _, e := range exits {
		if e.ExitID != exitID {
			out = append(out, e)
		}
	}
	return out
}

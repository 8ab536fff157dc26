package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exitengine/internal/model"
)

var (
	t0   = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	mnq  = model.DefaultInstruments().Lookup("MNQ")
	dflt = DefaultConfig()
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openSig(id string, qty int64, entry string, at time.Time) model.TradeSignal {
	return model.TradeSignal{
		Symbol:        "MNQ",
		Direction:     model.Long,
		Action:        model.ActionOpen,
		QuantityDelta: qty,
		EntryPrice:    d(entry),
		StopPrice:     d("25090"),
		Target1Price:  d("25125"),
		Target2Price:  d("25140"),
		SignalTime:    at,
		SourceID:      id,
	}
}

func trimSig(id string, qty int64, at time.Time) model.TradeSignal {
	return model.TradeSignal{
		Symbol:        "MNQ",
		Direction:     model.Long,
		Action:        model.ActionTrim,
		QuantityDelta: qty,
		EntryPrice:    d("25125.37"),
		SignalTime:    at,
		SourceID:      id,
	}
}

func closeSig(id string, at time.Time) model.TradeSignal {
	return model.TradeSignal{
		Symbol:     "MNQ",
		Direction:  model.Long,
		Action:     model.ActionClose,
		SignalTime: at,
		SourceID:   id,
	}
}

// confirm simulates a successful dispatch: every pending exit is live.
func confirm(p model.Position) model.Position {
	p = p.Clone()
	for i := range p.StagedExits {
		p.StagedExits[i].OrderState = model.IntentAcknowledged
		p.StagedExits[i].BrokerOrderID = "B-" + p.StagedExits[i].ExitID[:8]
	}
	p.Version++
	return p
}

func mustPlan(t *testing.T, pos model.Position, sig model.TradeSignal) ExitPlan {
	t.Helper()
	plan, err := Plan(dflt, pos, sig, mnq)
	if err != nil {
		t.Fatalf("Plan(%s %s) error: %v", sig.Action, sig.SourceID, err)
	}
	if err := confirm(plan.Result).CheckInvariants(); err != nil {
		t.Fatalf("Plan(%s %s) result breaks invariants: %v", sig.Action, sig.SourceID, err)
	}
	return plan
}

func exitQty(p model.Position, tier model.Tier) int64 {
	e, ok := p.Exit(tier)
	if !ok {
		return 0
	}
	return e.Quantity
}

func TestSplit(t *testing.T) {
	tests := []struct {
		net      int64
		cfg      Config
		tp1, tp2 int64
	}{
		{0, dflt, 0, 0},
		{1, dflt, 1, 0},
		{2, dflt, 2, 0},
		{3, dflt, 2, 1},
		{4, dflt, 3, 1},
		{6, dflt, 4, 2},
		{10, dflt, 8, 2},
		{14, dflt, 10, 4},
		{5, Config{TP1FractionBps: 5000}, 2, 3},
		{4, Config{TP1FractionBps: 10000}, 3, 1},
		{4, Config{TP1FractionBps: 5000}, 2, 2},
		{5, Config{CloseEntireAtTP1: true}, 5, 0},
		{3, Config{TP1FractionBps: 100}, 1, 2},
	}
	for _, tt := range tests {
		tp1, tp2 := tt.cfg.Split(tt.net)
		if tp1 != tt.tp1 || tp2 != tt.tp2 {
			t.Errorf("Split(%d) with %+v = (%d,%d), want (%d,%d)", tt.net, tt.cfg, tp1, tp2, tt.tp1, tt.tp2)
		}
	}
}

func TestOpen_FirstEntry(t *testing.T) {
	plan := mustPlan(t, model.Position{}, openSig("a", 1, "25111.00", t0))

	if plan.Entry == nil || plan.Entry.Quantity != 1 || plan.Entry.Side != model.Buy || plan.Entry.Kind != model.KindMarket {
		t.Fatalf("unexpected entry intent: %+v", plan.Entry)
	}
	if len(plan.Changes) != 1 || plan.Changes[0].Cancel != nil || plan.Changes[0].Create.Tier != model.TP1 {
		t.Fatalf("expected one TP1 create, got %+v", plan.Changes)
	}
	res := plan.Result
	if res.NetQuantity != 1 || len(res.Lots) != 1 || exitQty(res, model.TP1) != 1 || exitQty(res, model.TP2) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	ci := plan.Changes[0].CreateIntent
	if ci.Side != model.Sell || ci.Kind != model.KindBracket || !ci.StopPrice.Equal(d("25090")) || !ci.LimitPrice.Equal(d("25125")) {
		t.Errorf("unexpected bracket intent: %+v", ci)
	}
}

func TestOpen_FIFOTierAssignment(t *testing.T) {
	p1 := mustPlan(t, model.Position{}, openSig("a", 1, "25111.00", t0))
	pos := confirm(p1.Result)
	p2 := mustPlan(t, pos, openSig("b", 2, "25111.25", t0.Add(time.Minute)))

	res := p2.Result
	if exitQty(res, model.TP1) != 2 || exitQty(res, model.TP2) != 1 {
		t.Fatalf("expected TP1=2 TP2=1, got TP1=%d TP2=%d", exitQty(res, model.TP1), exitQty(res, model.TP2))
	}
	// The old TP1 is cancelled and replaced inside the same plan.
	var replaced bool
	for _, c := range p2.Changes {
		if c.Tier == model.TP1 && c.Cancel != nil && c.Create != nil {
			replaced = true
			if c.CancelIntent.TargetOrderID != pos.StagedExits[0].BrokerOrderID {
				t.Errorf("cancel targets %q, want %q", c.CancelIntent.TargetOrderID, pos.StagedExits[0].BrokerOrderID)
			}
		}
	}
	if !replaced {
		t.Fatalf("expected TP1 cancel+create, got %+v", p2.Changes)
	}
	if res.Lots[0].Quantity != 1 || res.Lots[1].Quantity != 2 {
		t.Errorf("lots not FIFO: %+v", res.Lots)
	}
	if !res.Lots[1].EntryPrice.Equal(d("25111.25")) {
		t.Errorf("entry price not kept: %s", res.Lots[1].EntryPrice)
	}
}

func TestOpen_UnchangedExitUntouched(t *testing.T) {
	// After TP1 is trimmed away, re-adding with the same levels only
	// recreates TP1.
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 3, "25111", t0)).Result) // TP1:2 TP2:1
	pos = confirm(mustPlan(t, pos, trimSig("t", 2, t0.Add(time.Minute))).Result)        // TP2:1
	tp2Before, _ := pos.Exit(model.TP2)

	plan := mustPlan(t, pos, openSig("b", 2, "25112", t0.Add(2*time.Minute))) // net 3 -> TP1:2 TP2:1
	for _, c := range plan.Changes {
		if c.Tier == model.TP2 {
			t.Fatalf("TP2 must be left alone, got change %+v", c)
		}
	}
	tp2After, _ := plan.Result.Exit(model.TP2)
	if tp2After.OrderIntentID != tp2Before.OrderIntentID {
		t.Errorf("TP2 exit replaced: %s -> %s", tp2Before.OrderIntentID, tp2After.OrderIntentID)
	}
	if exitQty(plan.Result, model.TP1) != 2 {
		t.Errorf("expected new TP1 of 2, got %d", exitQty(plan.Result, model.TP1))
	}
}

func TestOpen_OppositeDirectionRejected(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 1, "25111", t0)).Result)
	sig := openSig("b", 1, "25111", t0.Add(time.Second))
	sig.Direction = model.Short
	sig.StopPrice, sig.Target1Price, sig.Target2Price = d("25130"), d("25100"), d("25090")
	if _, err := Plan(dflt, pos, sig, mnq); !errors.Is(err, model.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
}

func TestOpen_PricesRoundedToTick(t *testing.T) {
	sig := openSig("a", 1, "25111.13", t0)
	sig.StopPrice = d("25090.1")
	sig.Target1Price = d("25125.37")
	plan := mustPlan(t, model.Position{}, sig)
	res := plan.Result
	if !res.Lots[0].EntryPrice.Equal(d("25111.25")) || !res.Levels.Stop.Equal(d("25090")) || !res.Levels.Target1.Equal(d("25125.25")) {
		t.Errorf("prices not tick-rounded: lot=%s levels=%+v", res.Lots[0].EntryPrice, res.Levels)
	}
}

// The regression this engine exists for: open +1, open +2, trim 2 at TP1
// must leave net 1 protected by a single TP2 of 1 and emit nothing else.
func TestTrim_DocumentedScenario(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 1, "25111.00", t0)).Result)
	pos = confirm(mustPlan(t, pos, openSig("b", 2, "25111.25", t0.Add(time.Minute))).Result)
	tp2Before, _ := pos.Exit(model.TP2)

	plan := mustPlan(t, pos, trimSig("c", 2, t0.Add(2*time.Minute)))
	res := plan.Result

	if res.NetQuantity != 1 {
		t.Fatalf("expected net 1, got %d", res.NetQuantity)
	}
	if len(res.StagedExits) != 1 || res.StagedExits[0].Tier != model.TP2 || res.StagedExits[0].Quantity != 1 {
		t.Fatalf("expected one TP2 of 1, got %+v", res.StagedExits)
	}
	if res.StagedExits[0].OrderIntentID != tp2Before.OrderIntentID {
		t.Errorf("TP2 must be untouched")
	}
	if len(plan.Changes) != 1 || plan.Changes[0].Tier != model.TP1 || plan.Changes[0].Create != nil {
		t.Fatalf("expected a single TP1 cancel, got %+v", plan.Changes)
	}
	if len(plan.Exits) != 1 || plan.Exits[0].Intent.Quantity != 2 {
		t.Fatalf("expected one market exit of 2, got %+v", plan.Exits)
	}
	for _, in := range plan.Intents() {
		if in.Kind != model.KindCancel && in.Quantity > 2 {
			t.Errorf("no order may exceed the trimmed quantity, got %+v", in)
		}
	}
	if len(res.Lots) != 1 || res.Lots[0].Quantity != 1 || res.Lots[0].LotID != pos.Lots[1].LotID {
		t.Errorf("FIFO consumption wrong: %+v", res.Lots)
	}
}

func TestTrim_PartialTierShrinks(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 4, "25111", t0)).Result) // TP1:3 TP2:1
	plan := mustPlan(t, pos, trimSig("t", 1, t0.Add(time.Minute)))
	if exitQty(plan.Result, model.TP1) != 2 || exitQty(plan.Result, model.TP2) != 1 {
		t.Fatalf("expected TP1=2 TP2=1, got %+v", plan.Result.StagedExits)
	}
	c := plan.Changes[0]
	if c.Cancel == nil || c.Create == nil || c.Create.Quantity != 2 {
		t.Fatalf("expected TP1 shrink via cancel+create, got %+v", c)
	}
	if !c.Create.TargetPrice.Equal(c.Cancel.TargetPrice) || !c.Create.StopPrice.Equal(c.Cancel.StopPrice) {
		t.Errorf("shrunk exit must keep its prices")
	}
}

func TestTrim_AcrossTiersFIFO(t *testing.T) {
	// Trim more than TP1 covers while TP2 stays non-empty: use a 50/50 split.
	cfg := Config{TP1FractionBps: 5000, DedupeWindow: 16}
	plan0, err := Plan(cfg, model.Position{}, openSig("a", 4, "25111", t0), mnq) // TP1:2 TP2:2
	if err != nil {
		t.Fatal(err)
	}
	pos := confirm(plan0.Result)

	plan, err := Plan(cfg, pos, trimSig("t", 3, t0.Add(time.Minute)), mnq)
	if err != nil {
		t.Fatal(err)
	}
	if exitQty(plan.Result, model.TP1) != 0 || exitQty(plan.Result, model.TP2) != 1 {
		t.Fatalf("expected TP1 gone and TP2=1, got %+v", plan.Result.StagedExits)
	}
	if len(plan.Exits[0].CoveredExitIDs) != 2 {
		t.Errorf("market exit should cover both tiers, got %v", plan.Exits[0].CoveredExitIDs)
	}
	if err := confirm(plan.Result).CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestTrim_ToZeroCloses(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 1, "25111", t0)).Result)
	plan := mustPlan(t, pos, trimSig("t", 1, t0.Add(time.Minute)))
	if !plan.Result.Closed || plan.Result.NetQuantity != 0 || len(plan.Result.StagedExits) != 0 {
		t.Fatalf("expected closed flat position, got %+v", plan.Result)
	}
}

func TestTrim_Overconsume(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 2, "25111", t0)).Result)

	_, err := Plan(dflt, pos, trimSig("t", 3, t0.Add(time.Minute)), mnq)
	if !errors.Is(err, model.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}

	// Older than the last applied signal and over-consuming: out of order.
	_, err = Plan(dflt, pos, trimSig("late", 3, t0.Add(-time.Minute)), mnq)
	if !errors.Is(err, model.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal for out-of-order trim, got %v", err)
	}

	// Older but within the open quantity is still applied.
	if _, err := Plan(dflt, pos, trimSig("late-ok", 1, t0.Add(-time.Minute)), mnq); err != nil {
		t.Fatalf("late trim within quantity should apply: %v", err)
	}
}

func TestTrim_FlatPosition(t *testing.T) {
	if _, err := Plan(dflt, model.Position{}, trimSig("t", 1, t0), mnq); !errors.Is(err, model.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
}

func TestClose(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 3, "25111", t0)).Result)
	plan := mustPlan(t, pos, closeSig("c", t0.Add(time.Minute)))

	if len(plan.Changes) != 2 {
		t.Fatalf("expected both exits cancelled, got %d changes", len(plan.Changes))
	}
	for _, c := range plan.Changes {
		if c.Create != nil {
			t.Errorf("close must not create exits")
		}
	}
	if len(plan.Exits) != 1 || plan.Exits[0].Intent.Quantity != 3 || plan.Exits[0].Intent.Side != model.Sell {
		t.Fatalf("expected market sell of 3, got %+v", plan.Exits)
	}
	res := plan.Result
	if !res.Closed || res.NetQuantity != 0 || len(res.Lots) != 0 || len(res.StagedExits) != 0 {
		t.Fatalf("unexpected close result: %+v", res)
	}
	if res.Symbol != "MNQ" {
		t.Errorf("closed position must be retained")
	}

	if _, err := Plan(dflt, confirm(res), closeSig("c2", t0.Add(2*time.Minute)), mnq); !errors.Is(err, model.ErrInvalidSignal) {
		t.Errorf("close on flat: expected ErrInvalidSignal, got %v", err)
	}
}

func TestReopenAfterClose(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 1, "25111", t0)).Result)
	firstLot := pos.Lots[0].LotID
	pos = confirm(mustPlan(t, pos, closeSig("c", t0.Add(time.Minute))).Result)
	plan := mustPlan(t, pos, openSig("b", 2, "25200", t0.Add(2*time.Minute)))
	if plan.Result.Closed || plan.Result.NetQuantity != 2 {
		t.Fatalf("expected reopened position, got %+v", plan.Result)
	}
	if plan.Result.Lots[0].LotID == firstLot {
		t.Errorf("lot ids must not be reused")
	}
}

func TestDuplicateSignal(t *testing.T) {
	sig := openSig("a", 1, "25111", t0)
	pos := confirm(mustPlan(t, model.Position{}, sig).Result)
	plan, err := Plan(dflt, pos, sig, mnq)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Duplicate || !plan.Empty() {
		t.Fatalf("expected empty duplicate plan, got %+v", plan)
	}
	if plan.Result.Version != pos.Version || plan.Result.NetQuantity != 1 {
		t.Errorf("duplicate must not change the position")
	}
}

func TestDeterministicIntents(t *testing.T) {
	pos := confirm(mustPlan(t, model.Position{}, openSig("a", 1, "25111", t0)).Result)
	sig := openSig("b", 2, "25111.25", t0.Add(time.Minute))
	a := mustPlan(t, pos, sig).Intents()
	b := mustPlan(t, pos, sig).Intents()
	if len(a) != len(b) {
		t.Fatalf("intent count differs: %d vs %d", len(a), len(b))
	}
	seen := map[string]bool{}
	for i := range a {
		if a[i].IntentID != b[i].IntentID {
			t.Errorf("intent %d id differs", i)
		}
		if seen[a[i].IntentID] {
			t.Errorf("duplicate intent id %s", a[i].IntentID)
		}
		seen[a[i].IntentID] = true
	}
	// entry + TP1 cancel + TP1 create + TP2 create
	if len(a) != 4 {
		t.Errorf("expected 4 intents, got %d", len(a))
	}
}

func TestShortPosition(t *testing.T) {
	sig := openSig("s", 3, "25111", t0)
	sig.Direction = model.Short
	sig.StopPrice, sig.Target1Price, sig.Target2Price = d("25130"), d("25100"), d("25090")
	plan := mustPlan(t, model.Position{}, sig)
	if plan.Entry.Side != model.Sell {
		t.Errorf("short entry must sell")
	}
	for _, c := range plan.Changes {
		if c.CreateIntent.Side != model.Buy {
			t.Errorf("short exits must buy")
		}
	}
	tr := trimSig("t", 1, t0.Add(time.Minute))
	tr.Direction = model.Short
	plan = mustPlan(t, confirm(plan.Result), tr)
	if plan.Exits[0].Intent.Side != model.Buy {
		t.Errorf("short trim must buy")
	}
}

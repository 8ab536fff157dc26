package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exitengine/internal/breaker"
	"exitengine/internal/model"
	"exitengine/internal/planner"
)

var (
	t0  = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	mnq = model.DefaultInstruments().Lookup("MNQ")
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, CallTimeout: time.Second}
}

func newTestDispatcher(b model.Broker, j IntentJournal, attempts int) *Dispatcher {
	disp := NewDispatcher(b, j, nil, testPolicy(attempts), nil)
	disp.sleep = func(context.Context, time.Duration) error { return nil }
	return disp
}

func marketIntent(id string, qty int64) model.OrderIntent {
	return model.OrderIntent{IntentID: id, Symbol: "MNQ", Side: model.Buy, Quantity: qty, Kind: model.KindMarket, State: model.IntentPending}
}

func transient(msg string) error { return fmt.Errorf("%w: %s", model.ErrBrokerTransient, msg) }
func rejected(msg string) error  { return fmt.Errorf("%w: %s", model.ErrBrokerRejected, msg) }

func openSig(id string, qty int64, at time.Time) model.TradeSignal {
	return model.TradeSignal{
		Symbol: "MNQ", Direction: model.Long, Action: model.ActionOpen, QuantityDelta: qty,
		EntryPrice: d("25111"), StopPrice: d("25090"), Target1Price: d("25125"), Target2Price: d("25140"),
		SignalTime: at, SourceID: id,
	}
}

func trimSig(id string, qty int64, at time.Time) model.TradeSignal {
	return model.TradeSignal{
		Symbol: "MNQ", Direction: model.Long, Action: model.ActionTrim, QuantityDelta: qty,
		EntryPrice: d("25125"), SignalTime: at, SourceID: id,
	}
}

func mustPlan(t *testing.T, pos model.Position, sig model.TradeSignal) planner.ExitPlan {
	t.Helper()
	plan, err := planner.Plan(planner.DefaultConfig(), pos, sig, mnq)
	if err != nil {
		t.Fatalf("plan %s: %v", sig.Key(), err)
	}
	return plan
}

func TestSubmit_IdempotentByIntentID(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	disp := newTestDispatcher(paper, nil, 1)
	ctx := context.Background()

	first, err := disp.Submit(ctx, marketIntent("i-1", 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The next broker call would be rejected; a cached ack must not reach it.
	paper.FailNext(model.KindMarket, rejected("should not be called"))
	second, err := disp.Submit(ctx, marketIntent("i-1", 1))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.BrokerOrderID != second.BrokerOrderID {
		t.Errorf("expected cached ack %s, got %s", first.BrokerOrderID, second.BrokerOrderID)
	}
	if n := len(paper.Placed()); n != 1 {
		t.Errorf("expected 1 broker order, got %d", n)
	}
}

func TestSubmit_RetriesTransient(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.FailNext(model.KindMarket, transient("timeout"), transient("502"))
	disp := newTestDispatcher(paper, nil, 4)
	var retries int
	disp.OnRetry = func(model.OrderIntent, int, error) { retries++ }

	ack, err := disp.Submit(context.Background(), marketIntent("i-1", 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.State != model.IntentFilled || ack.FilledQuantity != 2 {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if retries != 2 {
		t.Errorf("expected 2 retries, got %d", retries)
	}
}

func TestSubmit_RetryExhausted(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.FailNext(model.KindMarket, transient("a"), transient("b"), transient("c"))
	disp := newTestDispatcher(paper, nil, 3)

	ack, err := disp.Submit(context.Background(), marketIntent("i-1", 1))
	if !errors.Is(err, model.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	// an outage stays retryable so stream intake can redeliver
	if !model.IsRetryable(err) {
		t.Errorf("exhausted transient error should be retryable: %v", err)
	}
	if ack.State != model.IntentFailed {
		t.Errorf("expected FAILED, got %s", ack.State)
	}
	if _, ok := disp.CachedAck("i-1"); ok {
		t.Error("failed intent must not be cached")
	}
}

func TestSubmit_RejectionNotRetried(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.FailNext(model.KindMarket, rejected("margin"), transient("unused"))
	disp := newTestDispatcher(paper, nil, 5)

	ack, err := disp.Submit(context.Background(), marketIntent("i-1", 1))
	if !errors.Is(err, model.ErrBrokerRejected) {
		t.Fatalf("expected ErrBrokerRejected, got %v", err)
	}
	if ack.State != model.IntentRejected {
		t.Errorf("expected REJECTED, got %s", ack.State)
	}
	// The queued transient error is still there: exactly one call was made.
	if _, err := paper.PlaceOrder(context.Background(), marketIntent("direct", 1)); !model.IsRetryable(err) {
		t.Errorf("expected queued transient error, got %v", err)
	}
}

func TestSubmit_BreakerIgnoresRejections(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	cb := breaker.New("broker", 2, time.Minute)
	disp := NewDispatcher(paper, nil, cb, testPolicy(1), nil)

	for i := 0; i < 3; i++ {
		paper.FailNext(model.KindMarket, rejected("bad price"))
		disp.Submit(context.Background(), marketIntent(fmt.Sprintf("r-%d", i), 1))
	}
	if cb.CurrentState() != breaker.StateClosed {
		t.Fatalf("rejections must not trip the breaker, state=%s", cb.CurrentState())
	}

	paper.FailNext(model.KindMarket, transient("a"), transient("b"))
	disp.Submit(context.Background(), marketIntent("t-1", 1))
	disp.Submit(context.Background(), marketIntent("t-2", 1))
	if cb.CurrentState() != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", cb.CurrentState())
	}
	_, err := disp.Submit(context.Background(), marketIntent("t-3", 1))
	if !errors.Is(err, model.ErrRetryExhausted) {
		t.Errorf("open breaker should surface as exhausted transient, got %v", err)
	}
}

func TestCancel_EmptyTargetIsCanceled(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	disp := newTestDispatcher(paper, nil, 1)
	ack, err := disp.Cancel(context.Background(), model.OrderIntent{IntentID: "c-1", Kind: model.KindCancel})
	if err != nil || ack.State != model.IntentCanceled {
		t.Fatalf("expected CANCELED, got %+v, %v", ack, err)
	}
	if len(paper.Cancels()) != 0 {
		t.Error("no broker call expected")
	}
}

func TestJournal_WarmsCacheAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intents.db")
	j, err := NewJournal(path, nil)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	paper := NewPaperBroker(0, nil)
	disp := newTestDispatcher(paper, j, 1)
	if _, err := disp.Submit(context.Background(), marketIntent("i-1", 1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	paper.FailNext(model.KindMarket, rejected("x"))
	disp.Submit(context.Background(), marketIntent("i-2", 1))
	j.Close()

	j2, err := NewJournal(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	fresh := NewPaperBroker(0, nil)
	restarted := newTestDispatcher(fresh, j2, 1)
	if err := restarted.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if _, err := restarted.Submit(context.Background(), marketIntent("i-1", 1)); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}
	if len(fresh.Placed()) != 0 {
		t.Error("confirmed intent was resubmitted after restart")
	}
	if _, ok := restarted.CachedAck("i-2"); ok {
		t.Error("rejected intent must not warm the cache")
	}

	recs, err := j2.Intents(context.Background(), "MNQ", 10)
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected 2 journal records, got %d (%v)", len(recs), err)
	}
}

// openAndConfirm opens qty contracts through the dispatcher and returns the
// resulting position.
func openAndConfirm(t *testing.T, disp *Dispatcher, pos model.Position, id string, qty int64, at time.Time) model.Position {
	t.Helper()
	out := disp.Execute(context.Background(), mustPlan(t, pos, openSig(id, qty, at)))
	if out.Failed() {
		t.Fatalf("open %s: %v", id, out.Err)
	}
	return out.Result
}

func TestExecute_OpenPlacesBrackets(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.SetMark("MNQ", d("25111"))
	disp := newTestDispatcher(paper, nil, 1)

	pos := openAndConfirm(t, disp, model.Position{}, "a", 3, t0)
	if paper.Position("MNQ") != 3 {
		t.Fatalf("broker position: %d", paper.Position("MNQ"))
	}
	orders, _ := paper.OpenOrders(context.Background())
	if len(orders) != 2 {
		t.Fatalf("expected 2 brackets, got %d", len(orders))
	}
	for _, e := range pos.StagedExits {
		if e.OrderState != model.IntentAcknowledged || e.BrokerOrderID == "" {
			t.Errorf("exit not confirmed: %+v", e)
		}
	}
	if err := pos.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestExecute_FilledBracketAbsorbsMarketExit(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.SetMark("MNQ", d("25111"))
	disp := newTestDispatcher(paper, nil, 1)

	pos := openAndConfirm(t, disp, model.Position{}, "a", 1, t0)
	pos = openAndConfirm(t, disp, pos, "b", 2, t0.Add(time.Minute))

	tp1, _ := pos.Exit(model.TP1)
	if tp1.Quantity != 2 {
		t.Fatalf("expected TP1 of 2, got %d", tp1.Quantity)
	}
	// TP1 trades at the broker before the trim signal arrives.
	if err := paper.FillOrder(tp1.BrokerOrderID, d("25125")); err != nil {
		t.Fatal(err)
	}
	placedBefore := len(paper.Placed())

	out := disp.Execute(context.Background(), mustPlan(t, pos, trimSig("c", 2, t0.Add(2*time.Minute))))
	if out.Failed() {
		t.Fatalf("trim: %v", out.Err)
	}
	if len(out.Attention) != 0 {
		t.Errorf("unexpected attention: %v", out.Attention)
	}
	if n := len(paper.Placed()) - placedBefore; n != 0 {
		t.Errorf("expected no new broker orders, got %d", n)
	}
	if got := paper.Position("MNQ"); got != 1 {
		t.Errorf("broker must hold 1 contract, got %d", got)
	}
	if out.Result.NetQuantity != 1 || out.Result.ProtectedQuantity() != 1 {
		t.Errorf("ledger must hold 1 protected contract: %+v", out.Result)
	}
}

func TestExecute_TrimWithLiveBracketSendsMarketExit(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.SetMark("MNQ", d("25111"))
	disp := newTestDispatcher(paper, nil, 1)

	pos := openAndConfirm(t, disp, model.Position{}, "a", 3, t0)
	out := disp.Execute(context.Background(), mustPlan(t, pos, trimSig("b", 2, t0.Add(time.Minute))))
	if out.Failed() {
		t.Fatalf("trim: %v", out.Err)
	}
	if got := paper.Position("MNQ"); got != 1 {
		t.Errorf("broker position: want 1, got %d", got)
	}
	if err := out.Result.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestExecute_CancelFailureBlocksCreates(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.SetMark("MNQ", d("25111"))
	disp := newTestDispatcher(paper, nil, 1)

	pos := openAndConfirm(t, disp, model.Position{}, "a", 1, t0)
	paper.FailNext(model.KindCancel, rejected("exchange closed"))
	placedBefore := len(paper.Placed())

	out := disp.Execute(context.Background(), mustPlan(t, pos, openSig("b", 1, t0.Add(time.Minute))))
	if !out.Failed() || !errors.Is(out.Err, model.ErrBrokerRejected) {
		t.Fatalf("expected rejected cancel, got %v", out.Err)
	}
	placed := paper.Placed()[placedBefore:]
	for _, in := range placed {
		if in.Kind == model.KindBracket {
			t.Errorf("bracket %s sent before cancels confirmed", in.IntentID)
		}
	}
	if len(out.Unsettled()) != 1 {
		t.Errorf("expected the rejected cancel to be unsettled, got %+v", out.Unsettled())
	}
}

func TestExecute_FilledShrinkIsFlagged(t *testing.T) {
	paper := NewPaperBroker(0, nil)
	paper.SetMark("MNQ", d("25111"))
	disp := newTestDispatcher(paper, nil, 1)

	pos := openAndConfirm(t, disp, model.Position{}, "a", 4, t0)
	tp1, _ := pos.Exit(model.TP1)
	paper.FillOrder(tp1.BrokerOrderID, d("25125"))

	out := disp.Execute(context.Background(), mustPlan(t, pos, trimSig("b", 1, t0.Add(time.Minute))))
	if out.Failed() {
		t.Fatalf("trim: %v", out.Err)
	}
	if len(out.Attention) != 2 {
		t.Fatalf("expected skipped replacement and over-fill to be flagged, got %v", out.Attention)
	}
	if _, ok := out.Result.Exit(model.TP1); ok {
		t.Error("replacement for a filled exit must not be recorded")
	}
	if got := paper.Position("MNQ"); got != 1 {
		t.Errorf("broker position: want 1, got %d", got)
	}
}

package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exitengine/internal/model"
	"exitengine/internal/planner"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openPlan(t *testing.T, pos model.Position, id string, qty int64) planner.ExitPlan {
	t.Helper()
	sig := model.TradeSignal{
		Symbol: "MNQ", Direction: model.Long, Action: model.ActionOpen, QuantityDelta: qty,
		EntryPrice: d("25111"), StopPrice: d("25090"), Target1Price: d("25125"), Target2Price: d("25140"),
		SignalTime: time.Unix(1700000000, 0).Add(time.Duration(len(pos.RecentSignals)) * time.Second), SourceID: id,
	}
	plan, err := planner.Plan(planner.DefaultConfig(), pos, sig, model.DefaultInstruments().Lookup("MNQ"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for i := range plan.Result.StagedExits {
		plan.Result.StagedExits[i].OrderState = model.IntentAcknowledged
	}
	return plan
}

func TestApplyPlan_VersionsIncrement(t *testing.T) {
	l := New(nil)
	if _, ok := l.Get("MNQ"); ok {
		t.Fatal("expected empty ledger")
	}

	p1, err := l.ApplyPlan("MNQ", openPlan(t, model.Position{}, "a", 1), 0)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if p1.Version != 1 || p1.NetQuantity != 1 {
		t.Fatalf("unexpected position: %+v", p1)
	}

	p2, err := l.ApplyPlan("MNQ", openPlan(t, p1, "b", 2), 1)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if p2.Version != 2 || p2.NetQuantity != 3 {
		t.Fatalf("unexpected position: %+v", p2)
	}
}

func TestApplyPlan_VersionConflict(t *testing.T) {
	l := New(nil)
	p1, _ := l.ApplyPlan("MNQ", openPlan(t, model.Position{}, "a", 1), 0)

	_, err := l.ApplyPlan("MNQ", openPlan(t, p1, "b", 1), 0)
	if !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, _ := l.Get("MNQ")
	if got.Version != 1 || got.NetQuantity != 1 {
		t.Errorf("conflicting apply must not mutate: %+v", got)
	}
}

func TestApplyPlan_InvariantRejected(t *testing.T) {
	l := New(nil)
	plan := openPlan(t, model.Position{}, "a", 3)
	plan.Result.StagedExits = plan.Result.StagedExits[:1] // leaves one contract unprotected

	_, err := l.ApplyPlan("MNQ", plan, 0)
	if !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if _, ok := l.Get("MNQ"); ok {
		t.Error("rejected plan must not create a position")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	l := New(nil)
	l.ApplyPlan("MNQ", openPlan(t, model.Position{}, "a", 3), 0)

	p, _ := l.Get("MNQ")
	p.Lots[0].Quantity = 99
	p.StagedExits[0].Quantity = 99

	again, _ := l.Get("MNQ")
	if again.Lots[0].Quantity != 3 || again.StagedExits[0].Quantity == 99 {
		t.Fatal("Get must return a deep copy")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	l := New(nil)
	p1, _ := l.ApplyPlan("MNQ", openPlan(t, model.Position{}, "a", 1), 0)
	l.ApplyPlan("MNQ", openPlan(t, p1, "b", 2), 1)
	l.ApplyPlan("ES", func() planner.ExitPlan {
		p := openPlan(t, model.Position{}, "c", 1)
		p.Symbol = "ES"
		return p
	}(), 0)

	snap := l.DumpSnapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(snap))
	}

	restored := New(nil)
	if err := restored.LoadSnapshot(snap); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got, ok := restored.Get("MNQ")
	if !ok || got.Version != 2 || got.NetQuantity != 3 || len(got.StagedExits) != 2 {
		t.Fatalf("restored position mismatch: %+v", got)
	}
	if !got.HasSignal(snap[1].RecentSignals[0]) {
		t.Error("recent signals must survive a snapshot")
	}
}

func TestLoadSnapshot_RejectsBrokenState(t *testing.T) {
	bad := model.Position{Symbol: "MNQ", NetQuantity: 2, Lots: []model.Lot{{LotID: "x", Quantity: 1}}}
	if err := New(nil).LoadSnapshot([]model.Position{bad}); !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}

func TestPendingIntents(t *testing.T) {
	l := New(nil)
	l.SetPending("MNQ", []model.OrderIntent{{IntentID: "i1", State: model.IntentSubmitted}})
	if got := l.PendingIntents("MNQ"); len(got) != 1 || got[0].IntentID != "i1" {
		t.Fatalf("unexpected pending: %+v", got)
	}
	l.SetPending("MNQ", nil)
	if got := l.PendingIntents("MNQ"); len(got) != 0 {
		t.Fatalf("expected cleared pending, got %+v", got)
	}
}

func TestConcurrentReaders(t *testing.T) {
	l := New(nil)
	pos, _ := l.ApplyPlan("MNQ", openPlan(t, model.Position{}, "a", 1), 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Get("MNQ")
				l.All()
				l.PendingIntents("MNQ")
			}
		}()
	}
	for i := 0; i < 50; i++ {
		var err error
		pos, err = l.Replace("MNQ", pos, pos.Version)
		if err != nil {
			t.Fatalf("replace %d: %v", i, err)
		}
	}
	wg.Wait()
	if pos.Version != 51 {
		t.Errorf("expected version 51, got %d", pos.Version)
	}
}

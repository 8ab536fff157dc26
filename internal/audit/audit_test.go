package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBus_FansOutToAllSinks(t *testing.T) {
	bus := NewBus(16, 16, nil)
	mem1 := NewMemory(8)
	mem2 := NewMemory(8)
	bus.Attach("one", mem1)
	bus.Attach("two", mem2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	bus.Emit(Event{Kind: KindApplied, Symbol: "MNQ", Version: 1})
	bus.Emit(Event{Kind: KindDuplicate, Symbol: "MNQ", Version: 1})
	cancel()
	<-done
	bus.Wait()

	for name, m := range map[string]*Memory{"one": mem1, "two": mem2} {
		got := m.Recent("", 0)
		if len(got) != 2 {
			t.Fatalf("%s: expected 2 events, got %d", name, len(got))
		}
		if got[0].Kind != KindDuplicate || got[0].ID == "" || got[0].At.IsZero() {
			t.Errorf("%s: unexpected newest event %+v", name, got[0])
		}
	}
}

func TestBus_DropsWhenInputFull(t *testing.T) {
	bus := NewBus(1, 1, nil)
	var mu sync.Mutex
	var drops []int
	bus.OnDrop = func(idx int) {
		mu.Lock()
		drops = append(drops, idx)
		mu.Unlock()
	}

	bus.Emit(Event{Kind: KindApplied})
	bus.Emit(Event{Kind: KindApplied})

	if len(drops) != 1 || drops[0] != -1 {
		t.Fatalf("expected one input drop, got %v", drops)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(8, 1, nil)
	slow := bus.Subscribe()
	var dropped int
	bus.OnDrop = func(int) { dropped++ }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		bus.Emit(Event{Kind: KindApplied})
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus blocked on slow subscriber")
	}
	if len(slow) != 1 || dropped != 2 {
		t.Errorf("expected 1 buffered and 2 dropped, got %d and %d", len(slow), dropped)
	}
}

func TestMemory_RingKeepsNewest(t *testing.T) {
	m := NewMemory(3)
	for i, sym := range []string{"ES", "MNQ", "ES", "MNQ", "ES"} {
		m.Emit(Event{Kind: KindApplied, Symbol: sym, Version: int64(i + 1)})
	}
	all := m.Recent("", 10)
	if len(all) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(all))
	}
	if all[0].Version != 5 || all[2].Version != 3 {
		t.Errorf("expected newest first 5..3, got %d..%d", all[0].Version, all[2].Version)
	}
	es := m.Recent("ES", 10)
	if len(es) != 2 || es[0].Version != 5 || es[1].Version != 3 {
		t.Errorf("symbol filter: %+v", es)
	}
	if m.Count(KindApplied) != 3 {
		t.Errorf("Count: %d", m.Count(KindApplied))
	}
}

func TestJSONLRecorder_AppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	rec, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("NewJSONLRecorder: %v", err)
	}
	ev := Event{ID: "e1", Kind: KindDiscrepancy, Symbol: "MNQ", NetQuantity: 1, Message: "ledger 3, broker 1", At: time.Unix(1700000000, 0).UTC()}
	if err := rec.Record(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	rec.Close()
	if err := rec.Record(context.Background(), ev); err == nil {
		t.Error("expected error after Close")
	}

	got, err := ReadJSONL(path)
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(got) != 1 || got[0].Message != ev.Message || !got[0].At.Equal(ev.At) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestKind_Alerting(t *testing.T) {
	if KindApplied.Alerting() || KindDuplicate.Alerting() {
		t.Error("routine kinds must not alert")
	}
	if !KindDiscrepancy.Alerting() || !KindFailed.Alerting() {
		t.Error("discrepancy and failure must alert")
	}
}

// cmd/replay feeds recorded trade signals (one JSON object per line)
// through the engine against the paper broker and reports the resulting
// positions and orders. Nothing leaves the process.
//
// Usage:
//
//	go run ./cmd/replay --signals=alerts.jsonl --audit=out/audit.jsonl --tp1-bps=7500
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/engine"
	"exitengine/internal/execution"
	"exitengine/internal/ledger"
	"exitengine/internal/logger"
	"exitengine/internal/model"
	"exitengine/internal/planner"
	"exitengine/internal/risk"
)

func main() {
	signalsPath := flag.String("signals", "", "JSONL file of trade signals (required)")
	auditPath := flag.String("audit", "", "write audit events to this JSONL file")
	tp1Bps := flag.Int64("tp1-bps", 7500, "share of the position exited at TP1, in basis points")
	closeAll := flag.Bool("close-all-tp1", false, "exit the whole position at TP1")
	maxSize := flag.Int64("max-size", 0, "max contracts per symbol (0 = no risk guard)")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if *signalsPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	log, err := logger.Init("replay", logger.ParseLevel(*level), "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	signals, err := readSignals(*signalsPath)
	if err != nil {
		log.Fatal("read signals", zap.Error(err))
	}

	pc := planner.DefaultConfig()
	pc.TP1FractionBps = *tp1Bps
	pc.CloseEntireAtTP1 = *closeAll

	paper := execution.NewPaperBroker(0, log)
	disp := execution.NewDispatcher(paper, nil, nil, execution.DefaultRetryPolicy(), log)
	l := ledger.New(log)
	mem := audit.NewMemory(len(signals)*4 + 16)

	var emit audit.Emitter = mem
	var recorder *audit.JSONLRecorder
	if *auditPath != "" {
		recorder, err = audit.NewJSONLRecorder(*auditPath)
		if err != nil {
			log.Fatal("audit file", zap.Error(err))
		}
		defer recorder.Close()
		emit = teeEmitter{mem: mem, rec: recorder}
	}

	deps := engine.Deps{Ledger: l, Dispatcher: disp, Audit: emit}
	if *maxSize > 0 {
		deps.Guard = risk.NewGuard(risk.Limits{MaxPositionSize: *maxSize, MaxOpenPositions: 1 << 30}, l, log)
	}
	eng := engine.New(engine.Config{Planner: pc, Instruments: model.DefaultInstruments()}, deps, log)
	defer eng.Close()

	outcomes := map[engine.Outcome]int{}
	for i, sig := range signals {
		if ctx.Err() != nil {
			break
		}
		if sig.EntryPrice.IsPositive() {
			paper.SetMark(sig.Symbol, sig.EntryPrice)
		}
		res, err := eng.Process(ctx, sig)
		outcomes[res.Outcome]++
		if err != nil {
			fmt.Printf("%4d  %-6s %-5s %-6s  %s\n", i+1, sig.Symbol, sig.Action, res.Outcome, err)
			continue
		}
		fmt.Printf("%4d  %-6s %-5s %-6s  net=%d protected=%d\n", i+1, sig.Symbol, sig.Action, res.Outcome,
			res.Position.NetQuantity, res.Position.ProtectedQuantity())
	}

	fmt.Println()
	fmt.Printf("signals=%d applied=%d duplicate=%d rejected=%d failed=%d orders=%d\n",
		len(signals), outcomes[engine.OutcomeApplied], outcomes[engine.OutcomeDuplicate],
		outcomes[engine.OutcomeRejected], outcomes[engine.OutcomeFailed], len(paper.Placed()))

	broken := 0
	for _, p := range l.All() {
		status := "ok"
		if err := p.CheckInvariants(); err != nil {
			status = err.Error()
			broken++
		} else if p.NeedsAttention {
			status = "attention: " + p.AttentionReason
		}
		var exits []string
		for _, x := range p.StagedExits {
			exits = append(exits, fmt.Sprintf("%s:%d@%s", x.Tier, x.Quantity, x.TargetPrice))
		}
		sort.Strings(exits)
		fmt.Printf("%-6s %-5s net=%-3d broker=%-3d exits=[%s] %s\n", p.Symbol, p.Direction, p.NetQuantity,
			paper.Position(p.Symbol), strings.Join(exits, " "), status)
	}
	if broken > 0 {
		os.Exit(1)
	}
}

func readSignals(path string) ([]model.TradeSignal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.TradeSignal
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var sig model.TradeSignal
		if err := json.Unmarshal([]byte(text), &sig); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, sig)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no signals in " + path)
	}
	return out, nil
}

// teeEmitter records synchronously so the audit file is complete on exit.
type teeEmitter struct {
	mem *audit.Memory
	rec *audit.JSONLRecorder
}

func (t teeEmitter) Emit(e audit.Event) {
	e.Stamp(time.Now())
	t.mem.Emit(e)
	t.rec.Record(context.Background(), e)
}

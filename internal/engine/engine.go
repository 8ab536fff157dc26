// Package engine runs one serialized worker per symbol.
//
// Every ledger write for a symbol (signal processing and reconciliation)
// goes through that symbol's worker, so two jobs for the same symbol never
// observe a half-applied plan. Symbols do not block each
// other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/execution"
	"exitengine/internal/ledger"
	"exitengine/internal/metrics"
	"exitengine/internal/model"
	"exitengine/internal/planner"
	"exitengine/internal/risk"
)

// ErrClosed is returned for jobs submitted after Close.
var ErrClosed = errors.New("engine closed")

// Config holds engine tunables.
type Config struct {
	Planner     planner.Config
	Instruments model.InstrumentTable
	QueueSize   int // per-symbol job queue, default 64
	// JobTimeout bounds one job once it has started. The caller's context
	// only decides whether a job starts; a started plan runs to the end.
	JobTimeout time.Duration // default 2m
}

// Deps are the collaborators of the engine. Store, Guard, Audit, Metrics
// and Health may be nil.
type Deps struct {
	Ledger     *ledger.Ledger
	Dispatcher *execution.Dispatcher
	Store      model.PositionStore
	Guard      *risk.Guard
	Audit      audit.Emitter
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	done  chan error
	state *atomic.Int32
}

func newJob(ctx context.Context, fn func(ctx context.Context) error) job {
	return job{ctx: ctx, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}
}

type worker struct {
	symbol string
	jobs   chan job
}

// Engine owns the per-symbol workers.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	disp    *execution.Dispatcher
	store   model.PositionStore
	guard   *risk.Guard
	audit   audit.Emitter
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates an engine. Workers start lazily on first use of a symbol.
func New(cfg Config, deps Deps, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Instruments == nil {
		cfg.Instruments = model.DefaultInstruments()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	return &Engine{
		cfg:     cfg,
		ledger:  deps.Ledger,
		disp:    deps.Dispatcher,
		store:   deps.Store,
		guard:   deps.Guard,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		health:  deps.Health,
		log:     log.Named("engine"),
		now:     time.Now,
		workers: make(map[string]*worker),
		stop:    make(chan struct{}),
	}
}

// WithSymbol runs fn on symbol's worker and waits for it. fn is skipped if
// ctx is done before the worker reaches it. Once fn has started it runs
// detached from ctx under JobTimeout, and WithSymbol returns its result.
func (e *Engine) WithSymbol(ctx context.Context, symbol string, fn func(ctx context.Context) error) error {
	w, err := e.worker(symbol)
	if err != nil {
		return err
	}
	j := newJob(ctx, fn)

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrClosed
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return e.await(j)
	case <-e.stop:
		return e.await(j)
	}
}

// await waits for a job that may already be running. After Close the
// worker loops are waited out so a job queued behind a drained loop still
// gets an answer.
func (e *Engine) await(j job) error {
	select {
	case err := <-j.done:
		return err
	case <-e.stop:
	}
	e.wg.Wait()
	select {
	case err := <-j.done:
		return err
	default:
		return ErrClosed
	}
}

func (e *Engine) worker(symbol string) (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if w, ok := e.workers[symbol]; ok {
		return w, nil
	}
	w := &worker{symbol: symbol, jobs: make(chan job, e.cfg.QueueSize)}
	e.workers[symbol] = w
	e.wg.Add(1)
	go e.loop(w)
	e.log.Debug("worker started", zap.String("symbol", symbol))
	return w, nil
}

func (e *Engine) loop(w *worker) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			// finish what was already queued so callers are not left waiting
			for {
				select {
				case j := <-w.jobs:
					j.done <- ErrClosed
				default:
					return
				}
			}
		case j := <-w.jobs:
			if e.metrics != nil {
				e.metrics.ObserveChannel("worker:"+w.symbol, len(w.jobs), cap(w.jobs))
			}
			if err := j.ctx.Err(); err != nil || !j.state.CompareAndSwap(jobQueued, jobStarted) {
				if err == nil {
					err = context.Canceled
				}
				j.done <- err
				continue
			}
			j.done <- e.run(w.symbol, j)
		}
	}
}

// run executes one job, turning a panic into an error so the worker survives.
func (e *Engine) run(symbol string, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job panicked",
				zap.String("symbol", symbol),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("engine: %s job panicked: %v", symbol, r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), e.cfg.JobTimeout)
	defer cancel()
	return j.fn(ctx)
}

// Workers returns the number of live symbol workers.
func (e *Engine) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Run feeds signals from ch through Process until ctx is cancelled or ch
// is closed. Signals for different symbols are processed concurrently.
func (e *Engine) Run(ctx context.Context, ch <-chan model.TradeSignal) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if err := sig.Validate(); err != nil {
				e.reject(ctx, sig, model.Position{}, err)
				continue
			}
			w, err := e.worker(sig.Symbol)
			if err != nil {
				return
			}
			j := newJob(ctx, func(ctx context.Context) error {
				_, err := e.apply(ctx, sig)
				return err
			})
			// enqueue in arrival order; the result is only logged
			select {
			case w.jobs <- j:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case <-j.done:
				case <-ctx.Done():
				case <-e.stop:
				}
			}()
		}
	}
}

// Restore loads persisted snapshots into the ledger. Call it before any
// signal is processed.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	positions, err := e.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: load snapshots: %w", err)
	}
	for i := range positions {
		p := &positions[i]
		if err := p.CheckInvariants(); err != nil {
			e.log.Warn("snapshot violates invariants, flagging", zap.String("symbol", p.Symbol), zap.Error(err))
			p.Flag("restored snapshot failed invariant check")
			if err := p.CheckInvariants(); err != nil {
				return 0, fmt.Errorf("engine: snapshot %s: %w", p.Symbol, err)
			}
		}
	}
	if err := e.ledger.LoadSnapshot(positions); err != nil {
		return 0, err
	}
	e.observePositions()
	e.log.Info("restored positions", zap.Int("n", len(positions)))
	return len(positions), nil
}

// Close stops every worker. Queued jobs fail with ErrClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()
	e.wg.Wait()
}

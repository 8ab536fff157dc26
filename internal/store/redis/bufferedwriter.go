package redis

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/breaker"
	"exitengine/internal/model"
)

// BufferedStore wraps a Store with a circuit breaker.
// During circuit-open state, writes are buffered locally and flushed
// when the circuit closes again. Only the newest snapshot per symbol is
// kept; audit events are kept in order up to maxBuf.
type BufferedStore struct {
	store *Store
	cb    *breaker.CircuitBreaker
	ctx   context.Context
	log   *zap.Logger

	mu        sync.Mutex
	snapshots map[string]model.Position
	events    []audit.Event
	maxBuf    int

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedStore creates a BufferedStore wrapping s. ctx bounds flushes.
func NewBufferedStore(ctx context.Context, s *Store, cb *breaker.CircuitBreaker, maxBufferSize int) *BufferedStore {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bs := &BufferedStore{
		store:     s,
		cb:        cb,
		ctx:       ctx,
		log:       s.log.Named("buffered"),
		snapshots: make(map[string]model.Position),
		events:    make([]audit.Event, 0, 256),
		maxBuf:    maxBufferSize,
	}

	// Register flush on circuit close
	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to breaker.State) {
		if prev != nil {
			prev(name, from, to)
		}
		if to == breaker.StateClosed {
			go bs.Flush()
		}
	}
	return bs
}

// Save writes through the breaker, buffering while it is open.
func (bs *BufferedStore) Save(ctx context.Context, pos model.Position) error {
	err := bs.cb.Execute(func() error { return bs.store.Save(ctx, pos) })
	if errors.Is(err, breaker.ErrCircuitOpen) {
		bs.bufferSnapshot(pos)
		return nil // buffered, not lost
	}
	return err
}

// Load prefers a buffered snapshot, which is newer than anything in Redis.
func (bs *BufferedStore) Load(ctx context.Context, symbol string) (model.Position, error) {
	bs.mu.Lock()
	pos, ok := bs.snapshots[symbol]
	bs.mu.Unlock()
	if ok {
		return pos.Clone(), nil
	}
	var out model.Position
	err := bs.cb.Execute(func() error {
		var err error
		out, err = bs.store.Load(ctx, symbol)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return model.Position{}, err
	}
	if out.Symbol == "" {
		return model.Position{}, model.ErrNotFound
	}
	return out, nil
}

// LoadAll merges buffered snapshots over the stored ones.
func (bs *BufferedStore) LoadAll(ctx context.Context) ([]model.Position, error) {
	var stored []model.Position
	err := bs.cb.Execute(func() error {
		var err error
		stored, err = bs.store.LoadAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]model.Position, 0, len(stored)+len(bs.snapshots))
	seen := make(map[string]bool, len(bs.snapshots))
	for _, p := range stored {
		if b, ok := bs.snapshots[p.Symbol]; ok {
			p = b
			seen[p.Symbol] = true
		}
		out = append(out, p)
	}
	for sym, p := range bs.snapshots {
		if !seen[sym] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Record implements audit.Sink.
func (bs *BufferedStore) Record(ctx context.Context, e audit.Event) error {
	err := bs.cb.Execute(func() error { return bs.store.Record(ctx, e) })
	if errors.Is(err, breaker.ErrCircuitOpen) {
		bs.bufferEvent(e)
		return nil
	}
	return err
}

func (bs *BufferedStore) bufferSnapshot(pos model.Position) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cur, ok := bs.snapshots[pos.Symbol]; ok && cur.Version > pos.Version {
		return
	}
	bs.snapshots[pos.Symbol] = pos.Clone()
	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

func (bs *BufferedStore) bufferEvent(e audit.Event) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.events) >= bs.maxBuf {
		// Buffer full, drop oldest
		bs.events = bs.events[1:]
	}
	bs.events = append(bs.events, e)
	if bs.OnBuffer != nil {
		bs.OnBuffer()
	}
}

// Flush replays buffered writes. Writes that fail again are re-buffered.
func (bs *BufferedStore) Flush() {
	bs.mu.Lock()
	if len(bs.snapshots) == 0 && len(bs.events) == 0 {
		bs.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	snaps := bs.snapshots
	events := bs.events
	bs.snapshots = make(map[string]model.Position)
	bs.events = make([]audit.Event, 0, 256)
	bs.mu.Unlock()

	flushed := 0
	for _, p := range snaps {
		if err := bs.store.Save(bs.ctx, p); err != nil {
			bs.log.Warn("flush snapshot", zap.String("symbol", p.Symbol), zap.Error(err))
			bs.bufferSnapshot(p)
			continue
		}
		flushed++
	}
	for _, e := range events {
		if err := bs.store.Record(bs.ctx, e); err != nil {
			bs.bufferEvent(e)
			continue
		}
		flushed++
	}

	bs.log.Info("flushed buffered writes", zap.Int("n", flushed))
	if bs.OnFlush != nil {
		bs.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bs *BufferedStore) PendingCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.snapshots) + len(bs.events)
}

// Ping checks the connection without going through the breaker.
func (bs *BufferedStore) Ping(ctx context.Context) error { return bs.store.Ping(ctx) }

// Close flushes what it can and closes the client.
func (bs *BufferedStore) Close() error {
	if bs.cb.CurrentState() == breaker.StateClosed {
		bs.Flush()
	}
	return bs.store.Close()
}

// Underlying returns the wrapped Store.
func (bs *BufferedStore) Underlying() *Store {
	return bs.store
}

package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus broadcasts audit events from a single input channel to N subscriber
// channels. A full subscriber drops the event for that subscriber only, so
// a slow sink never blocks signal processing.
type Bus struct {
	input   chan Event
	mu      sync.RWMutex
	outputs []chan Event
	bufSize int
	sinks   sync.WaitGroup
	log     *zap.Logger
	now     func() time.Time

	// OnDrop is called when an event is dropped. subscriberIdx is -1 when
	// the input itself was full.
	OnDrop func(subscriberIdx int)
}

// NewBus creates a bus with the given input and per-subscriber buffers.
func NewBus(inputSize, outputSize int, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		input:   make(chan Event, inputSize),
		bufSize: outputSize,
		log:     log.Named("audit"),
		now:     time.Now,
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(e Event) {
	e.Stamp(b.now())
	select {
	case b.input <- e:
	default:
		b.drop(-1, e)
	}
}

// Subscribe creates and returns a new output channel. Subscribe before Run.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.outputs = append(b.outputs, ch)
	b.mu.Unlock()
	return ch
}

// Attach subscribes sink and consumes its channel in a goroutine until the
// bus stops.
func (b *Bus) Attach(name string, sink Sink) {
	ch := b.Subscribe()
	b.sinks.Add(1)
	go func() {
		defer b.sinks.Done()
		for e := range ch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Record(ctx, e); err != nil {
				b.log.Warn("sink write failed", zap.String("sink", name), zap.String("event", e.ID), zap.Error(err))
			}
			cancel()
		}
	}()
}

// Run reads from the input channel and fans out to all subscribers. On
// cancellation it drains what is already queued, then closes every output.
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		b.mu.RLock()
		for _, ch := range b.outputs {
			close(ch)
		}
		b.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.input:
					b.publish(e)
				default:
					return
				}
			}
		case e := <-b.input:
			b.publish(e)
		}
	}
}

// Wait blocks until every attached sink has drained after Run returns.
func (b *Bus) Wait() {
	b.sinks.Wait()
}

func (b *Bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, ch := range b.outputs {
		select {
		case ch <- e:
		default:
			b.drop(i, e)
		}
	}
}

func (b *Bus) drop(idx int, e Event) {
	if b.OnDrop != nil {
		b.OnDrop(idx)
		return
	}
	b.log.Warn("audit channel full, dropping event",
		zap.Int("subscriber", idx), zap.String("kind", string(e.Kind)), zap.String("symbol", e.Symbol))
}

// ChannelStat is the (length, capacity) of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats reports subscriber channel saturation.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, len(b.outputs))
	for i, ch := range b.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}

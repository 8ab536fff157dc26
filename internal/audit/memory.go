package audit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps the most recent events in a fixed-size ring. It backs the
// audit query endpoint and is used directly as the Emitter in tests.
type Memory struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

// NewMemory creates a ring holding up to capacity events.
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory{buf: make([]Event, capacity)}
}

// Emit implements Emitter.
func (m *Memory) Emit(e Event) {
	e.Stamp(time.Now())
	m.mu.Lock()
	m.buf[m.next] = e
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// Record implements Sink.
func (m *Memory) Record(_ context.Context, e Event) error {
	m.Emit(e)
	return nil
}

// Recent returns up to limit events, newest first. An empty symbol matches
// every symbol.
func (m *Memory) Recent(symbol string, limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.next
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.buf)) % len(m.buf)
		if symbol == "" || m.buf[idx].Symbol == symbol {
			out = append(out, m.buf[idx])
		}
	}
	return out
}

// Count returns how many retained events have the given kind.
func (m *Memory) Count(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.next
	if m.full {
		n = len(m.buf)
	}
	var c int
	for i := 0; i < n; i++ {
		if m.buf[i].Kind == kind {
			c++
		}
	}
	return c
}

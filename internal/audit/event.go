// Package audit carries the plan audit stream: one Event per applied,
// rejected, duplicate or failed plan and per reconciliation finding.
//
// Producers call Emitter.Emit, which never blocks. The Bus fans events out
// to sinks (JSONL file, SQLite, Redis, websocket, operator notifier).
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"exitengine/internal/model"
)

// Kind classifies an audit event.
type Kind string

const (
	KindApplied      Kind = "applied"
	KindDuplicate    Kind = "duplicate"
	KindRejected     Kind = "rejected"
	KindFailed       Kind = "failed"
	KindAttention    Kind = "needs_attention"
	KindDiscrepancy  Kind = "discrepancy"
	KindAdopted      Kind = "adopted"
	KindOrphaned     Kind = "orphaned"
	KindResubmitted  Kind = "resubmitted"
	KindManualReview Kind = "manual_review"
)

// Alerting reports whether events of this kind should reach an operator.
func (k Kind) Alerting() bool {
	switch k {
	case KindFailed, KindAttention, KindDiscrepancy, KindOrphaned, KindManualReview:
		return true
	}
	return false
}

// IntentLine summarizes one dispatched intent.
type IntentLine struct {
	IntentID      string            `json:"intent_id"`
	Kind          model.OrderKind   `json:"kind"`
	Side          model.Side        `json:"side"`
	Quantity      int64             `json:"quantity"`
	State         model.IntentState `json:"state"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// Event is a single audit record.
type Event struct {
	ID          string       `json:"id"`
	Kind        Kind         `json:"kind"`
	Symbol      string       `json:"symbol"`
	SignalKey   string       `json:"signal_key,omitempty"`
	Action      model.Action `json:"action,omitempty"`
	Version     int64        `json:"version"`
	NetQuantity int64        `json:"net_quantity"`
	Intents     []IntentLine `json:"intents,omitempty"`
	Message     string       `json:"message,omitempty"`
	TraceID     string       `json:"trace_id,omitempty"`
	At          time.Time    `json:"at"`
}

// Stamp fills ID and At when unset.
func (e *Event) Stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
}

// FromPosition copies the position fields an event reports.
func (e *Event) FromPosition(p model.Position) {
	e.Symbol = p.Symbol
	e.Version = p.Version
	e.NetQuantity = p.NetQuantity
}

// Emitter accepts audit events without blocking.
type Emitter interface {
	Emit(e Event)
}

// Sink stores or forwards audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

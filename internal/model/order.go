package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderKind is the broker order type of an intent.
type OrderKind string

const (
	KindMarket  OrderKind = "MARKET"
	KindStop    OrderKind = "STOP"
	KindLimit   OrderKind = "LIMIT"
	KindBracket OrderKind = "BRACKET" // OCO stop + target limit
	KindCancel  OrderKind = "CANCEL"
)

// IntentState tracks an OrderIntent through dispatch.
type IntentState string

const (
	IntentPending      IntentState = "PENDING"
	IntentSubmitted    IntentState = "SUBMITTED"
	IntentAcknowledged IntentState = "ACKNOWLEDGED"
	IntentFilled       IntentState = "FILLED"
	IntentCanceled     IntentState = "CANCELED"
	IntentRejected     IntentState = "REJECTED"
	IntentFailed       IntentState = "FAILED"
)

// Terminal reports whether no further broker activity is expected.
func (s IntentState) Terminal() bool {
	switch s {
	case IntentFilled, IntentCanceled, IntentRejected, IntentFailed:
		return true
	}
	return false
}

// Confirmed reports whether the broker has accepted the intent, either as
// a live order or as an already-terminal one.
func (s IntentState) Confirmed() bool {
	return s == IntentAcknowledged || s == IntentFilled || s == IntentCanceled
}

// OrderIntent is an instruction for the broker. IntentID is the idempotency
// key and is derived deterministically from the signal that produced it.
type OrderIntent struct {
	IntentID           string          `json:"intent_id"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	Quantity           int64           `json:"quantity"`
	Kind               OrderKind       `json:"kind"`
	StopPrice          decimal.Decimal `json:"stop_price"`
	LimitPrice         decimal.Decimal `json:"limit_price"`
	LinkedStagedExitID string          `json:"linked_staged_exit_id,omitempty"`
	TargetOrderID      string          `json:"target_order_id,omitempty"` // cancels only
	State              IntentState     `json:"state"`
	Attempts           int             `json:"attempts"`
}

// Ack is the broker's answer to an intent.
type Ack struct {
	IntentID       string      `json:"intent_id"`
	BrokerOrderID  string      `json:"broker_order_id"`
	State          IntentState `json:"state"`
	FilledQuantity int64       `json:"filled_quantity"`
	Message        string      `json:"message,omitempty"`
	At             time.Time   `json:"at"`
}

// BrokerPosition is the broker's view of a symbol. NetQuantity is signed:
// positive long, negative short.
type BrokerPosition struct {
	Symbol      string          `json:"symbol"`
	NetQuantity int64           `json:"net_quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// BrokerOrder is a working order at the broker.
type BrokerOrder struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Kind        OrderKind       `json:"kind"`
	Quantity    int64           `json:"quantity"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	TargetPrice decimal.Decimal `json:"target_price"`
	ClientTag   string          `json:"client_tag,omitempty"` // intent id echoed back
}

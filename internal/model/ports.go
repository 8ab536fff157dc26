package model

import "context"

// ── Port Interfaces ──
// These interfaces decouple engine logic from concrete brokers and storage
// (paper, REST, SQLite, Redis, Pebble).

// Broker is the order-routing port.
type Broker interface {
	// PlaceOrder submits a market, stop, limit or bracket intent.
	// Implementations return errors wrapping ErrBrokerTransient or
	// ErrBrokerRejected.
	PlaceOrder(ctx context.Context, intent OrderIntent) (Ack, error)

	// CancelOrder cancels a working order. An order that already filled
	// returns an Ack with State IntentFilled and no error.
	CancelOrder(ctx context.Context, orderID string) (Ack, error)

	// OpenPositions returns the broker's net position per symbol.
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)

	// OpenOrders returns all working orders.
	OpenOrders(ctx context.Context) ([]BrokerOrder, error)
}

// PositionStore persists ledger snapshots.
type PositionStore interface {
	// Save persists one position snapshot, replacing any previous one.
	Save(ctx context.Context, pos Position) error

	// Load returns the snapshot for symbol or ErrNotFound.
	Load(ctx context.Context, symbol string) (Position, error)

	// LoadAll returns every stored snapshot.
	LoadAll(ctx context.Context) ([]Position, error)

	// Close releases underlying resources.
	Close() error
}

package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"exitengine/internal/model"
)

// Journal persists every order intent and its latest broker ack to SQLite.
// Confirmed acks are reloaded on start to warm the idempotency cache.
type Journal struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// NewJournal opens (or creates) a SQLite intent journal.
func NewJournal(dbPath string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS order_intents (
		intent_id       TEXT PRIMARY KEY,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		kind            TEXT NOT NULL,
		qty             INTEGER NOT NULL,
		state           TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		broker_order_id TEXT,
		intent_json     TEXT NOT NULL,
		ack_json        TEXT,
		updated_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intents_symbol ON order_intents(symbol);
	CREATE INDEX IF NOT EXISTS idx_intents_state ON order_intents(state);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("intent journal opened", zap.String("path", dbPath))
	return &Journal{db: db, log: log}, nil
}

// RecordIntent upserts an intent with its latest ack.
func (j *Journal) RecordIntent(ctx context.Context, intent model.OrderIntent, ack *model.Ack) error {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	var ackJSON sql.NullString
	var brokerID sql.NullString
	state := intent.State
	if ack != nil {
		b, err := json.Marshal(ack)
		if err != nil {
			return err
		}
		ackJSON = sql.NullString{String: string(b), Valid: true}
		brokerID = sql.NullString{String: ack.BrokerOrderID, Valid: ack.BrokerOrderID != ""}
		state = ack.State
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO order_intents (intent_id, symbol, side, kind, qty, state, attempts, broker_order_id, intent_json, ack_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(intent_id) DO UPDATE SET
		   state = excluded.state,
		   attempts = excluded.attempts,
		   broker_order_id = COALESCE(excluded.broker_order_id, order_intents.broker_order_id),
		   intent_json = excluded.intent_json,
		   ack_json = excluded.ack_json,
		   updated_at = excluded.updated_at`,
		intent.IntentID, intent.Symbol, string(intent.Side), string(intent.Kind), intent.Quantity,
		string(state), intent.Attempts, brokerID, string(intentJSON), ackJSON,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal %s: %w", intent.IntentID, err)
	}
	return nil
}

// LoadAcks returns the acks of every confirmed intent keyed by intent id.
func (j *Journal) LoadAcks(ctx context.Context) (map[string]model.Ack, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT intent_id, ack_json FROM order_intents
		 WHERE state IN (?, ?, ?) AND ack_json IS NOT NULL`,
		string(model.IntentAcknowledged), string(model.IntentFilled), string(model.IntentCanceled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acks := make(map[string]model.Ack)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var ack model.Ack
		if err := json.Unmarshal([]byte(raw), &ack); err != nil {
			j.log.Warn("skipping corrupt ack", zap.String("intent", id), zap.Error(err))
			continue
		}
		acks[id] = ack
	}
	return acks, rows.Err()
}

// IntentRecord is a row of the intent journal.
type IntentRecord struct {
	Intent    model.OrderIntent `json:"intent"`
	Ack       *model.Ack        `json:"ack,omitempty"`
	UpdatedAt string            `json:"updated_at"`
}

// Intents returns the last limit intents for symbol, newest first. An empty
// symbol returns intents for all symbols.
func (j *Journal) Intents(ctx context.Context, symbol string, limit int) ([]IntentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	q := `SELECT intent_json, ack_json, updated_at FROM order_intents`
	args := []interface{}{}
	if symbol != "" {
		q += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IntentRecord
	for rows.Next() {
		var intentRaw string
		var ackRaw sql.NullString
		var rec IntentRecord
		if err := rows.Scan(&intentRaw, &ackRaw, &rec.UpdatedAt); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(intentRaw), &rec.Intent); err != nil {
			continue
		}
		if ackRaw.Valid {
			var ack model.Ack
			if json.Unmarshal([]byte(ackRaw.String), &ack) == nil {
				rec.Ack = &ack
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

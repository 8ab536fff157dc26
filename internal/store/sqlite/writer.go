// Package sqlite persists position snapshots and the plan audit trail to a
// local SQLite database in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	historyKeep       = 50
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // e.g. "data/exitengine.db"
}

// Store implements model.PositionStore and audit.Sink.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database with WAL mode and creates the schema.
func New(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.Named("sqlite")
	log.Info("opened database", zap.String("path", cfg.DBPath))
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			symbol     TEXT    PRIMARY KEY,
			version    INTEGER NOT NULL,
			net_qty    INTEGER NOT NULL,
			attention  INTEGER NOT NULL DEFAULT 0,
			data       TEXT    NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS position_history (
			symbol     TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			saved_at   INTEGER NOT NULL,
			PRIMARY KEY (symbol, version)
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT    PRIMARY KEY,
			kind       TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			signal_key TEXT,
			version    INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_symbol_at ON audit_events(symbol, at);
	`)
	return err
}

// Save upserts pos. A snapshot older than the stored version is ignored so
// a late writer can never roll a position back.
func (s *Store) Save(ctx context.Context, pos model.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	now := time.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, version, net_qty, attention, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			version = excluded.version,
			net_qty = excluded.net_qty,
			attention = excluded.attention,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.version >= positions.version
	`, pos.Symbol, pos.Version, pos.NetQuantity, boolInt(pos.NeedsAttention), string(data), now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite save %s: %w", pos.Symbol, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO position_history (symbol, version, data, saved_at) VALUES (?, ?, ?, ?)`,
		pos.Symbol, pos.Version, string(data), now)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite history %s: %w", pos.Symbol, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Prune old history, keep the last historyKeep versions per symbol.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM position_history WHERE symbol = ? AND version <= ?`,
		pos.Symbol, pos.Version-historyKeep); err != nil {
		s.log.Warn("prune history", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
	return nil
}

// Load returns the stored snapshot for symbol or model.ErrNotFound.
func (s *Store) Load(ctx context.Context, symbol string) (model.Position, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM positions WHERE symbol = ?`, symbol).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, fmt.Errorf("sqlite load %s: %w", symbol, model.ErrNotFound)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("sqlite load %s: %w", symbol, err)
	}
	var pos model.Position
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return model.Position{}, fmt.Errorf("unmarshal position %s: %w", symbol, err)
	}
	return pos, nil
}

// LoadAll returns every stored snapshot ordered by symbol.
func (s *Store) LoadAll(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, data FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var sym, data string
		if err := rows.Scan(&sym, &data); err != nil {
			return nil, fmt.Errorf("sqlite scan positions: %w", err)
		}
		var pos model.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, fmt.Errorf("unmarshal position %s: %w", sym, err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// Record implements audit.Sink with a single-row insert.
func (s *Store) Record(ctx context.Context, e audit.Event) error {
	return s.insertBatch(ctx, []audit.Event{e})
}

// Run reads audit events from ch and inserts them in batched transactions.
// Flushes every batchSize events OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (s *Store) Run(ctx context.Context, ch <-chan audit.Event) {
	batch := make([]audit.Event, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.insertBatch(context.Background(), batch); err != nil {
			s.log.Error("audit batch insert", zap.Error(err))
		} else {
			s.log.Debug("committed audit events", zap.Int("n", len(batch)), zap.Duration("took", time.Since(start)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain what the bus already handed over
			for {
				select {
				case e, ok := <-ch:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of audit events in a single transaction.
func (s *Store) insertBatch(ctx context.Context, events []audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO audit_events (id, kind, symbol, signal_key, version, data, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		e.Stamp(time.Now())
		data, err := json.Marshal(e)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Kind), e.Symbol, e.SignalKey, e.Version, string(data), e.At.UnixNano()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package pebble keeps position snapshots and the audit trail in an
// embedded Pebble key-value store.
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/model"
)

// keys: p:<symbol>, h:<symbol>\x00<8-byte version>, a:<8-byte unix nanos><event id>
func positionKey(symbol string) []byte { return append([]byte("p:"), symbol...) }
func positionPrefix() []byte           { return []byte("p:") }

func historyPrefix(symbol string) []byte {
	k := append([]byte("h:"), symbol...)
	return append(k, 0)
}

func historyKey(symbol string, version int64) []byte {
	return binary.BigEndian.AppendUint64(historyPrefix(symbol), uint64(version))
}

func auditPrefix() []byte { return []byte("a:") }

func auditKey(at time.Time, id string) []byte {
	k := binary.BigEndian.AppendUint64(auditPrefix(), uint64(at.UnixNano()))
	return append(k, id...)
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper bound
}

// Store implements model.PositionStore and audit.Sink.
type Store struct {
	db  *pebble.DB
	log *zap.Logger

	// serializes the read-check-write in Save
	mu sync.Mutex
}

// Open opens (or creates) the database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	log = log.Named("pebble")
	log.Info("opened database", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save writes the snapshot and its history entry in one synced batch.
// A snapshot older than the stored one is ignored.
func (s *Store) Save(_ context.Context, pos model.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.get(pos.Symbol)
	if err == nil && cur.Version > pos.Version {
		return nil
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(positionKey(pos.Symbol), data, nil); err != nil {
		return err
	}
	if err := b.Set(historyKey(pos.Symbol, pos.Version), data, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.Symbol, err)
	}
	return nil
}

// Load returns the snapshot for symbol or model.ErrNotFound.
func (s *Store) Load(_ context.Context, symbol string) (model.Position, error) {
	return s.get(symbol)
}

func (s *Store) get(symbol string) (model.Position, error) {
	data, closer, err := s.db.Get(positionKey(symbol))
	if errors.Is(err, pebble.ErrNotFound) {
		return model.Position{}, fmt.Errorf("pebble load %s: %w", symbol, model.ErrNotFound)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("failed to get position %s: %w", symbol, err)
	}
	defer closer.Close()

	var pos model.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return model.Position{}, fmt.Errorf("failed to unmarshal position %s: %w", symbol, err)
	}
	return pos, nil
}

// LoadAll returns every stored snapshot in symbol order.
func (s *Store) LoadAll(_ context.Context) ([]model.Position, error) {
	prefix := positionPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.Position
	for iter.First(); iter.Valid(); iter.Next() {
		var pos model.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %q: %w", iter.Key(), err)
		}
		out = append(out, pos)
	}
	return out, iter.Error()
}

// History returns up to limit stored versions of symbol, newest first.
func (s *Store) History(symbol string, limit int) ([]model.Position, error) {
	prefix := historyPrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.Position
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var pos model.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			continue
		}
		out = append(out, pos)
	}
	return out, iter.Error()
}

// Record implements audit.Sink. Audit entries are not synced individually.
func (s *Store) Record(_ context.Context, e audit.Event) error {
	e.Stamp(time.Now())
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if err := s.db.Set(auditKey(e.At, e.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// RecentAudit returns up to limit audit events, newest first, optionally
// filtered by symbol.
func (s *Store) RecentAudit(symbol string, limit int) ([]audit.Event, error) {
	prefix := auditPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []audit.Event
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var e audit.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

// Flush syncs unsynced audit writes to disk.
func (s *Store) Flush() error { return s.db.Flush() }

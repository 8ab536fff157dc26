// Package redis stores position snapshots in a Redis hash and appends the
// plan audit trail to a Redis stream, publishing both for live subscribers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/model"
)

const (
	// roughly a week of audit events for a handful of symbols
	auditStreamMaxLen = 50000
	defaultPrefix     = "exit"
)

// saveIfNewer writes the snapshot unless the stored one has a higher version.
var saveIfNewer = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
	local ok, decoded = pcall(cjson.decode, cur)
	if ok and decoded['version'] and tonumber(decoded['version']) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// Config configures the Redis store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string // key namespace, default "exit"
}

// Store implements model.PositionStore and audit.Sink.
type Store struct {
	client *goredis.Client
	log    *zap.Logger

	positionsKey  string
	auditStream   string
	auditChannel  string
	positionTopic string
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a Store and pings the server.
func New(cfg Config, log *zap.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := newStore(client, cfg.Prefix, log)
	s.log.Info("connected", zap.String("addr", cfg.Addr))
	return s, nil
}

func newStore(client *goredis.Client, prefix string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client:        client,
		log:           log.Named("redis"),
		positionsKey:  prefix + ":positions",
		auditStream:   prefix + ":audit",
		auditChannel:  "pub:" + prefix + ":audit",
		positionTopic: "pub:" + prefix + ":position:",
	}
}

// Save stores pos in the positions hash and publishes it. Older versions
// than the stored snapshot are dropped.
func (s *Store) Save(ctx context.Context, pos model.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	written, err := saveIfNewer.Run(ctx, s.client, []string{s.positionsKey}, pos.Symbol, pos.Version, string(data)).Int()
	if err != nil {
		return fmt.Errorf("redis save %s: %w", pos.Symbol, err)
	}
	if written == 0 {
		s.log.Debug("stale snapshot ignored", zap.String("symbol", pos.Symbol), zap.Int64("version", pos.Version))
		return nil
	}
	if err := s.client.Publish(ctx, s.positionTopic+pos.Symbol, string(data)).Err(); err != nil {
		s.log.Warn("publish position", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
	return nil
}

// Load returns the snapshot for symbol or model.ErrNotFound.
func (s *Store) Load(ctx context.Context, symbol string) (model.Position, error) {
	data, err := s.client.HGet(ctx, s.positionsKey, symbol).Result()
	if errors.Is(err, goredis.Nil) {
		return model.Position{}, fmt.Errorf("redis load %s: %w", symbol, model.ErrNotFound)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("redis load %s: %w", symbol, err)
	}
	var pos model.Position
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return model.Position{}, fmt.Errorf("unmarshal position %s: %w", symbol, err)
	}
	return pos, nil
}

// LoadAll returns every stored snapshot.
func (s *Store) LoadAll(ctx context.Context) ([]model.Position, error) {
	all, err := s.client.HGetAll(ctx, s.positionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.positionsKey, err)
	}
	out := make([]model.Position, 0, len(all))
	for sym, data := range all {
		var pos model.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, fmt.Errorf("unmarshal position %s: %w", sym, err)
		}
		out = append(out, pos)
	}
	return out, nil
}

// Record appends e to the audit stream and publishes it in one pipeline.
func (s *Store) Record(ctx context.Context, e audit.Event) error {
	e.Stamp(time.Now())
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	jsonData := string(data)

	pipe := s.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.auditStream,
		MaxLen: auditStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
			"kind": string(e.Kind),
		},
	})
	pipe.Publish(ctx, s.auditChannel, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis audit pipeline %s: %w", e.Symbol, err)
	}
	return nil
}

// Run reads audit events from ch and writes them to Redis.
// Blocks until ctx is cancelled or ch is closed.
func (s *Store) Run(ctx context.Context, ch <-chan audit.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Record(ctx, e); err != nil {
				s.log.Error("audit write", zap.String("symbol", e.Symbol), zap.Error(err))
			}
		}
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

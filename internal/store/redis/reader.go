package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"exitengine/internal/audit"
	"exitengine/internal/model"
)

// SignalHandler processes one signal read from a stream. Returning an error
// that wraps model.ErrBrokerTransient leaves the message pending for
// redelivery; any other outcome acknowledges it.
type SignalHandler func(ctx context.Context, sig model.TradeSignal) error

// ReaderConfig configures the signal stream reader.
type ReaderConfig struct {
	Stream        string // e.g. "signals:in"
	ConsumerGroup string // e.g. "exitengine"
	ConsumerName  string // unique per process, e.g. hostname
}

// SignalReader consumes TradeSignals from a Redis stream via a consumer
// group. Signals carry their own dedupe key, so at-least-once delivery is
// safe.
type SignalReader struct {
	client   *goredis.Client
	stream   string
	group    string
	consumer string
	log      *zap.Logger
}

// NewSignalReader shares the Store's client.
func (s *Store) NewSignalReader(cfg ReaderConfig) *SignalReader {
	if cfg.Stream == "" {
		cfg.Stream = "signals:in"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "exitengine"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-1"
	}
	return &SignalReader{
		client:   s.client,
		stream:   cfg.Stream,
		group:    cfg.ConsumerGroup,
		consumer: cfg.ConsumerName,
		log:      s.log.Named("signals").With(zap.String("stream", cfg.Stream)),
	}
}

// EnsureGroup creates the consumer group if it doesn't exist, starting at
// new messages only.
func (r *SignalReader) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", r.stream, err)
	}
	return nil
}

// Publish appends a signal to the stream. Used by tests and cmd/replay.
func (r *SignalReader) Publish(ctx context.Context, sig model.TradeSignal) (string, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return "", err
	}
	return r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
}

// Consume blocks on XREADGROUP and hands each signal to fn. Pending
// messages from a previous run are processed first. Returns when ctx is
// cancelled.
func (r *SignalReader) Consume(ctx context.Context, fn SignalHandler) error {
	if err := r.recoverPending(ctx, fn); err != nil {
		return err
	}
	r.log.Info("consuming", zap.String("group", r.group), zap.String("consumer", r.consumer))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    50,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			r.log.Warn("xreadgroup", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := r.handle(ctx, msg, fn); err != nil {
					return err
				}
			}
		}
	}
}

// recoverPending re-processes messages this consumer read but never
// acknowledged, e.g. after a crash mid-dispatch.
func (r *SignalReader) recoverPending(ctx context.Context, fn SignalHandler) error {
	start := "0"
	for {
		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, start},
			Count:    100,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return fmt.Errorf("xreadgroup pending %s: %w", r.stream, err)
		}
		if len(results) == 0 || len(results[0].Messages) == 0 {
			return nil
		}
		msgs := results[0].Messages
		r.log.Info("recovering pending signals", zap.Int("n", len(msgs)))
		for _, msg := range msgs {
			if err := r.handle(ctx, msg, fn); err != nil {
				return err
			}
		}
		// transient failures stay pending; don't spin on them here
		next := msgs[len(msgs)-1].ID
		if next == start {
			return nil
		}
		start = next
	}
}

func (r *SignalReader) handle(ctx context.Context, msg goredis.XMessage, fn SignalHandler) error {
	data, ok := msg.Values["data"].(string)
	if !ok {
		r.client.XAck(ctx, r.stream, r.group, msg.ID)
		return nil
	}
	var sig model.TradeSignal
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		r.log.Warn("bad signal payload", zap.String("id", msg.ID), zap.Error(err))
		// ack anyway to avoid a poison pill
		r.client.XAck(ctx, r.stream, r.group, msg.ID)
		return nil
	}

	err := fn(ctx, sig)
	if err != nil && (model.IsRetryable(err) || ctx.Err() != nil) {
		r.log.Warn("signal left pending", zap.String("id", msg.ID), zap.String("key", sig.Key()), zap.Error(err))
		return ctx.Err()
	}
	r.client.XAck(context.WithoutCancel(ctx), r.stream, r.group, msg.ID)
	return ctx.Err()
}

// ReadAudit returns audit events after fromID ("-" for the start), oldest
// first, along with the last stream ID read.
func (s *Store) ReadAudit(ctx context.Context, fromID string, count int64) ([]audit.Event, string, error) {
	start := "-"
	if fromID != "" && fromID != "-" {
		start = "(" + fromID
	}
	msgs, err := s.client.XRangeN(ctx, s.auditStream, start, "+", count).Result()
	if err != nil {
		return nil, fromID, fmt.Errorf("xrange %s: %w", s.auditStream, err)
	}
	lastID := fromID
	out := make([]audit.Event, 0, len(msgs))
	for _, msg := range msgs {
		lastID = msg.ID
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, lastID, nil
}

// SubscribeAudit forwards published audit events into out until ctx is
// cancelled. Slow consumers lose events rather than block Redis.
func (s *Store) SubscribeAudit(ctx context.Context, out chan<- audit.Event) error {
	pubsub := s.client.Subscribe(ctx, s.auditChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.auditChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e audit.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}
}

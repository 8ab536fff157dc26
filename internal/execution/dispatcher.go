// Package execution sends order intents to the broker.
//
// The Dispatcher is idempotent by intent id: an intent the broker already
// confirmed is answered from cache (warmed from the intent journal on
// start) and never resubmitted. Every broker call runs under a timeout and
// through the circuit breaker; transient failures are retried with bounded
// exponential backoff before the intent is marked failed.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"exitengine/internal/breaker"
	"exitengine/internal/model"
)

// RetryPolicy bounds broker calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
}

// DefaultRetryPolicy returns 4 attempts, 200ms..2s backoff and a 5s timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		CallTimeout: 5 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff << uint(attempt-1)
	if d <= 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		d = p.MaxBackoff
	}
	return d
}

// IntentJournal persists intents and broker acks across restarts.
type IntentJournal interface {
	RecordIntent(ctx context.Context, intent model.OrderIntent, ack *model.Ack) error
	LoadAcks(ctx context.Context) (map[string]model.Ack, error)
}

// Dispatcher submits intents to a Broker.
type Dispatcher struct {
	broker  model.Broker
	journal IntentJournal
	cb      *breaker.CircuitBreaker
	policy  RetryPolicy
	log     *zap.Logger

	mu   sync.Mutex
	acks map[string]model.Ack

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// OnResult is called once per broker call outcome (for metrics).
	OnResult func(intent model.OrderIntent, state model.IntentState, dur time.Duration)
	// OnRetry is called before each retry of a transient failure.
	OnRetry func(intent model.OrderIntent, attempt int, err error)
}

// NewDispatcher creates a dispatcher. journal and cb may be nil.
func NewDispatcher(broker model.Broker, journal IntentJournal, cb *breaker.CircuitBreaker, policy RetryPolicy, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if cb != nil && cb.IsFailure == nil {
		cb.IsFailure = model.IsRetryable
	}
	return &Dispatcher{
		broker:  broker,
		journal: journal,
		cb:      cb,
		policy:  policy,
		log:     log.Named("dispatcher"),
		acks:    make(map[string]model.Ack),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Warm loads confirmed acks from the journal so a restarted process does
// not resubmit intents the broker already has.
func (d *Dispatcher) Warm(ctx context.Context) error {
	if d.journal == nil {
		return nil
	}
	acks, err := d.journal.LoadAcks(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher warm: %w", err)
	}
	d.mu.Lock()
	for id, ack := range acks {
		d.acks[id] = ack
	}
	d.mu.Unlock()
	d.log.Info("idempotency cache warmed", zap.Int("acks", len(acks)))
	return nil
}

// CachedAck returns the confirmed ack for an intent id, if any.
func (d *Dispatcher) CachedAck(intentID string) (model.Ack, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ack, ok := d.acks[intentID]
	return ack, ok
}

// Submit places an intent. A previously confirmed intent returns its
// cached ack without calling the broker.
func (d *Dispatcher) Submit(ctx context.Context, intent model.OrderIntent) (model.Ack, error) {
	if ack, ok := d.CachedAck(intent.IntentID); ok {
		d.log.Debug("cached ack", zap.String("intent", intent.IntentID), zap.String("state", string(ack.State)))
		return ack, nil
	}
	return d.call(ctx, intent, func(ctx context.Context) (model.Ack, error) {
		return d.broker.PlaceOrder(ctx, intent)
	})
}

// Cancel cancels the broker order targeted by a cancel intent. An order
// that already filled comes back as an Ack in state FILLED, not an error.
func (d *Dispatcher) Cancel(ctx context.Context, intent model.OrderIntent) (model.Ack, error) {
	if ack, ok := d.CachedAck(intent.IntentID); ok {
		return ack, nil
	}
	if intent.TargetOrderID == "" {
		ack := model.Ack{IntentID: intent.IntentID, State: model.IntentCanceled, Message: "no broker order to cancel", At: d.now()}
		d.remember(ctx, intent, ack)
		return ack, nil
	}
	return d.call(ctx, intent, func(ctx context.Context) (model.Ack, error) {
		return d.broker.CancelOrder(ctx, intent.TargetOrderID)
	})
}

func (d *Dispatcher) call(ctx context.Context, intent model.OrderIntent, fn func(context.Context) (model.Ack, error)) (model.Ack, error) {
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		intent.Attempts = attempt
		intent.State = model.IntentSubmitted

		start := d.now()
		ack, err := d.once(ctx, fn)
		dur := d.now().Sub(start)

		if err == nil {
			ack.IntentID = intent.IntentID
			if ack.At.IsZero() {
				ack.At = d.now()
			}
			if ack.State == "" {
				ack.State = model.IntentAcknowledged
			}
			d.observe(intent, ack.State, dur)
			d.remember(ctx, intent, ack)
			return ack, nil
		}

		if !model.IsRetryable(err) {
			intent.State = model.IntentRejected
			d.observe(intent, intent.State, dur)
			d.record(ctx, intent, &model.Ack{IntentID: intent.IntentID, State: model.IntentRejected, Message: err.Error(), At: d.now()})
			d.log.Warn("intent rejected",
				zap.String("intent", intent.IntentID), zap.String("symbol", intent.Symbol),
				zap.String("kind", string(intent.Kind)), zap.Error(err))
			return model.Ack{IntentID: intent.IntentID, State: model.IntentRejected, Message: err.Error()}, err
		}

		lastErr = err
		if attempt == d.policy.MaxAttempts {
			break
		}
		if d.OnRetry != nil {
			d.OnRetry(intent, attempt, err)
		}
		wait := d.policy.backoff(attempt)
		d.log.Info("retrying intent",
			zap.String("intent", intent.IntentID), zap.Int("attempt", attempt),
			zap.Duration("backoff", wait), zap.Error(err))
		if serr := d.sleep(ctx, wait); serr != nil {
			lastErr = fmt.Errorf("%w: %v", model.ErrBrokerTransient, serr)
			break
		}
	}

	intent.State = model.IntentFailed
	d.observe(intent, intent.State, 0)
	d.record(ctx, intent, &model.Ack{IntentID: intent.IntentID, State: model.IntentFailed, Message: lastErr.Error(), At: d.now()})
	d.log.Error("intent failed",
		zap.String("intent", intent.IntentID), zap.String("symbol", intent.Symbol),
		zap.Int("attempts", intent.Attempts), zap.Error(lastErr))
	return model.Ack{IntentID: intent.IntentID, State: model.IntentFailed, Message: lastErr.Error()},
		fmt.Errorf("%w: intent %s after %d attempts: %w", model.ErrRetryExhausted, intent.IntentID, intent.Attempts, lastErr)
}

// once performs a single broker call under the per-call timeout and the
// breaker. Timeouts and an open breaker are classified as transient.
func (d *Dispatcher) once(ctx context.Context, fn func(context.Context) (model.Ack, error)) (model.Ack, error) {
	if err := ctx.Err(); err != nil {
		return model.Ack{}, fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.policy.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.policy.CallTimeout)
	}
	defer cancel()

	var ack model.Ack
	run := func() error {
		var err error
		ack, err = fn(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !model.IsRetryable(err) {
			err = fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
		}
		return err
	}

	var err error
	if d.cb != nil {
		err = d.cb.Execute(run)
		if errors.Is(err, breaker.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %v", model.ErrBrokerTransient, err)
		}
	} else {
		err = run()
	}
	return ack, err
}

func (d *Dispatcher) remember(ctx context.Context, intent model.OrderIntent, ack model.Ack) {
	if ack.State.Confirmed() {
		d.mu.Lock()
		d.acks[intent.IntentID] = ack
		d.mu.Unlock()
	}
	intent.State = ack.State
	d.record(ctx, intent, &ack)
}

func (d *Dispatcher) record(ctx context.Context, intent model.OrderIntent, ack *model.Ack) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordIntent(ctx, intent, ack); err != nil {
		d.log.Error("journal write failed", zap.String("intent", intent.IntentID), zap.Error(err))
	}
}

func (d *Dispatcher) observe(intent model.OrderIntent, state model.IntentState, dur time.Duration) {
	if d.OnResult != nil {
		d.OnResult(intent, state, dur)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

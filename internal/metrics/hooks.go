package metrics

import (
	"strconv"
	"time"

	"exitengine/internal/breaker"
	"exitengine/internal/model"
)

// WatchBreaker mirrors cb's state into the circuit breaker gauges.
func (m *Metrics) WatchBreaker(cb *breaker.CircuitBreaker) {
	m.CircuitBreakerState.WithLabelValues(cb.Name()).Set(float64(cb.CurrentState()))
	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to breaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(name).Inc()
		}
		if prev != nil {
			prev(name, from, to)
		}
	}
}

// DispatchResult matches execution.Dispatcher.OnResult.
func (m *Metrics) DispatchResult(intent model.OrderIntent, state model.IntentState, dur time.Duration) {
	m.IntentsTotal.WithLabelValues(string(intent.Kind), string(state)).Inc()
	if dur > 0 {
		m.DispatchDuration.Observe(dur.Seconds())
	}
}

// DispatchRetry matches execution.Dispatcher.OnRetry.
func (m *Metrics) DispatchRetry(model.OrderIntent, int, error) {
	m.DispatchRetries.Inc()
}

// AuditDrop matches audit.Bus.OnDrop.
func (m *Metrics) AuditDrop(subscriberIdx int) {
	m.AuditDropsTotal.WithLabelValues(strconv.Itoa(subscriberIdx)).Inc()
}

// ObservePositions refreshes the position gauges from a ledger listing.
func (m *Metrics) ObservePositions(positions []model.Position) (open, attention int) {
	for _, p := range positions {
		if p.NetQuantity > 0 {
			open++
		}
		if p.NeedsAttention {
			attention++
		}
	}
	m.OpenPositions.Set(float64(open))
	m.PositionsNeedAttention.Set(float64(attention))
	return open, attention
}

// ObserveChannel records a channel's fill percentage.
func (m *Metrics) ObserveChannel(name string, length, capacity int) {
	if capacity == 0 {
		return
	}
	m.ChannelSaturationPct.WithLabelValues(name).Set(float64(length) / float64(capacity) * 100)
}

package model

import "errors"

// Engine error taxonomy. Callers wrap these with context via fmt.Errorf("%w")
// and classify with errors.Is.
var (
	// ErrDuplicateSignal marks a signal whose dedupe key was already applied.
	ErrDuplicateSignal = errors.New("duplicate signal")

	// ErrInvalidSignal marks a signal inconsistent with the ledger: it would
	// consume more than is open, targets the wrong direction, or breaks a
	// risk limit. The ledger is never mutated for it.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrBrokerTransient is a timeout or retryable broker failure.
	ErrBrokerTransient = errors.New("broker transient error")

	// ErrBrokerRejected is a definitive broker rejection. Never retried.
	ErrBrokerRejected = errors.New("broker rejected")

	// ErrRetryExhausted is returned once transient retries run out.
	ErrRetryExhausted = errors.New("broker retries exhausted")

	// ErrVersionConflict is returned by the ledger when the expected
	// position version is stale.
	ErrVersionConflict = errors.New("position version conflict")

	// ErrReconciliationDiscrepancy marks a ledger/broker mismatch.
	ErrReconciliationDiscrepancy = errors.New("reconciliation discrepancy")

	// ErrInvariant is returned when a proposed position state would break
	// a ledger invariant.
	ErrInvariant = errors.New("position invariant violated")

	// ErrNotFound is returned by stores and brokers for unknown keys.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err should be retried with the same intent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBrokerTransient)
}

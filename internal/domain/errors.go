package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrClientNotFound   = errors.New("client not found")
	ErrExchangeNotFound = errors.New("exchange not found")
	ErrClientKeyTaken   = errors.New("client key already in use")

	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidCurrency  = errors.New("invalid currency code")
	ErrInvalidPrecision = errors.New("precision must be between 0 and 8")
	ErrInvalidRate      = errors.New("implied rate must be positive")
	ErrInvalidLeg       = errors.New("invalid exchange leg")
	ErrNonZeroBalance   = errors.New("account balance is not zero")
	ErrAlreadyUndone    = errors.New("operation already undone")

	// ErrStorageTransient marks connection/timeout-class failures. Retrying the
	// whole call with the same idempotency key is safe.
	ErrStorageTransient = errors.New("transient storage failure")

	ErrCompensationFailed = errors.New("compensation failed")
	// ErrExchangeCompensated means leg A of the operation was already
	// reversed; the exchange must be resubmitted under a new operation id.
	ErrExchangeCompensated = errors.New("exchange was reversed after a failed leg")
)

// CompensationError is returned when the second leg of an exchange failed and
// the compensating reversal of the first leg failed as well.
type CompensationError struct {
	OperationID   string
	LegErr        error
	CompensateErr error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("exchange %s: leg B failed (%v) and leg A compensation failed (%v)",
		e.OperationID, e.LegErr, e.CompensateErr)
}

func (e *CompensationError) Unwrap() []error {
	return []error{ErrCompensationFailed, e.LegErr, e.CompensateErr}
}

// Transient wraps err so that errors.Is(err, ErrStorageTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrStorageTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageTransient, err)
}

// IsRetryable reports whether the failed call may be retried as a whole.
// A compensated exchange is never retryable under the same key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageTransient) && !errors.Is(err, ErrExchangeCompensated)
}

// IsNotFound reports whether err denotes a missing or inactive entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrExchangeNotFound)
}

// IsInvalidInput reports whether err was caused by rejected caller input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrInvalidPrecision) ||
		errors.Is(err, ErrInvalidRate) ||
		errors.Is(err, ErrInvalidLeg) ||
		errors.Is(err, ErrNonZeroBalance)
}

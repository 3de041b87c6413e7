package dues

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Domain errors for the dues engine.
var (
	// ErrValidation wraps input problems rejected before any mutation.
	ErrValidation = errors.New("dues: validation failed")

	// Consistency errors: the caller sent stale or wrong data.
	ErrDuplicateLedgerRow = errors.New("dues: ledger row already exists for invoice")
	ErrRowNotFound        = errors.New("dues: ledger row not found")
	ErrOverpayment        = errors.New("dues: payment exceeds balance due")
	ErrNothingToSettle    = errors.New("dues: customer has no pending dues")

	ErrInvoiceNotFound  = errors.New("dues: invoice not found")
	ErrCustomerNotFound = errors.New("dues: customer not found")

	// ErrConflict marks a serialization failure, deadlock or lock timeout.
	ErrConflict = errors.New("dues: concurrent modification")

	// ErrSettlementFailed is reported for every failed settlement attempt.
	ErrSettlementFailed = errors.New("dues: settlement failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// SettlementError carries the state a settlement attempt failed in. It
// matches ErrSettlementFailed and unwraps to the underlying cause.
type SettlementError struct {
	State SettlementState
	Err   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("%s in state %s: %v", ErrSettlementFailed.Error(), e.State, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Is reports ErrSettlementFailed as a match.
func (e *SettlementError) Is(target error) bool {
	return target == ErrSettlementFailed
}

// PostgreSQL SQLSTATE codes handled by the engine.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// classifyPgError maps driver errors onto domain errors.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

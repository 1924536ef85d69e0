package state

import "errors"

// Domain errors. Callers match with errors.Is; wrapping adds context.
var (
	ErrInsufficientBalance          = errors.New("insufficient balance")
	ErrInsufficientPoolLiquidity    = errors.New("insufficient pool liquidity")
	ErrInvalidStatusTransition      = errors.New("invalid status transition")
	ErrSettlementVerificationFailed = errors.New("settlement verification failed")
	ErrRetryLimitExceeded           = errors.New("retry limit exceeded")
	ErrNoUndistributedAllocations   = errors.New("no undistributed allocations")
	ErrNoActiveAllocations          = errors.New("no active allocations")

	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvariantViolation   = errors.New("ledger invariant violation")
	ErrSettlementIncomplete = errors.New("settlement partially applied")
)

// IsDomainError reports whether err is a business rejection rather than an
// infrastructure failure. Domain errors are final; retrying will not help.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInsufficientBalance,
		ErrInsufficientPoolLiquidity,
		ErrInvalidStatusTransition,
		ErrSettlementVerificationFailed,
		ErrRetryLimitExceeded,
		ErrNoUndistributedAllocations,
		ErrNoActiveAllocations,
		ErrInvalidArgument,
		ErrNotFound,
		ErrAlreadyExists,
		ErrInvariantViolation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

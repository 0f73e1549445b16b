package account

import "errors"

// Pre-trade rejection reasons.
var (
	ErrNonPositiveVolume    = errors.New("account: volume must be positive")
	ErrInstrumentSuspended  = errors.New("account: instrument is suspended")
	ErrPriceOutsideLimit    = errors.New("account: price outside daily limit")
	ErrInsufficientFunds    = errors.New("account: insufficient available funds")
	ErrInsufficientPosition = errors.New("account: insufficient position to close")

	// ErrInvariantViolation marks a failed post-mutation consistency check
	// (available >= 0, frozen >= 0, frozen-close <= leg volume).
	ErrInvariantViolation = errors.New("account: invariant violated")

	ErrReservationOverfill = errors.New("account: fill exceeds reservation")
)

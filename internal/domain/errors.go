package domain

import (
	"errors"
)

var (
	// ErrMalformedInput is returned when a transaction payload is missing a
	// required field or a field cannot be parsed. Such events are rejected.
	ErrMalformedInput = errors.New("malformed transaction")

	// ErrUnknownPostcode is returned by distance providers for postcodes they
	// cannot locate. It is a data-quality problem, not an outage.
	ErrUnknownPostcode = errors.New("unknown postcode")

	// ErrNotFound is returned by repositories when a card has no profile or state
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable is returned when profile or state cannot be read
	ErrStoreUnavailable = errors.New("card store unavailable")

	// ErrDistanceUnavailable is returned when the distance provider fails
	ErrDistanceUnavailable = errors.New("distance provider unavailable")

	// ErrLedgerUnavailable is returned when the ledger append failed after retries
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrStateWriteFailed is returned when a GENUINE transaction was ledgered
	// but the card state could not be advanced after retries
	ErrStateWriteFailed = errors.New("card state write failed")

	// ErrStateConflict is returned by CompareAndSwapState when the stored
	// state no longer matches the expected one
	ErrStateConflict = errors.New("card state changed concurrently")
)

// IsRetryable reports whether processing failed because a collaborator was
// unavailable. Retryable events must be redelivered, never dropped.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrDistanceUnavailable) ||
		errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrStateWriteFailed)
}

// IsRejected reports whether the event itself is invalid and will never
// classify successfully.
func IsRejected(err error) bool {
	return errors.Is(err, ErrMalformedInput)
}

package domain

import (
	"context"
)

// CardRepository provides access to per-card profile and state.
// Implementations return ErrNotFound when a card has no record; any other
// error is treated as the store being unavailable.
type CardRepository interface {
	// GetProfile retrieves the static risk attributes of a card.
	GetProfile(ctx context.Context, cardID string) (*CardProfile, error)

	// GetState retrieves the last GENUINE location and time of a card.
	GetState(ctx context.Context, cardID string) (*CardState, error)

	// PutState overwrites the state of a card (last writer wins).
	PutState(ctx context.Context, state CardState) error

	// CompareAndSwapState writes next only if the stored state still equals
	// prev. A nil prev expects that the card has no state yet.
	// Returns ErrStateConflict if the stored state differs.
	CompareAndSwapState(ctx context.Context, prev *CardState, next CardState) error

	// UpsertProfile creates or replaces the profile of a card.
	// Used by profile loading, never by classification.
	UpsertProfile(ctx context.Context, profile CardProfile) error
}

// Ledger is the append-only store of classified transactions.
type Ledger interface {
	// Append stores a classified transaction. Appending an entry whose ID
	// already exists is a no-op, so retries never create duplicates.
	Append(ctx context.Context, entry *ClassifiedTransaction) error

	// ListByCard returns the most recent entries of a card, newest first.
	ListByCard(ctx context.Context, cardID string, limit int) ([]*ClassifiedTransaction, error)

	// LatestGenuine returns the GENUINE entry with the latest transaction time.
	// Returns ErrNotFound if the card has no GENUINE entry.
	LatestGenuine(ctx context.Context, cardID string) (*ClassifiedTransaction, error)
}

// DistanceProvider returns the distance between two postcodes in kilometers.
// Both methods return ErrUnknownPostcode for postcodes they cannot locate.
type DistanceProvider interface {
	DistanceKm(ctx context.Context, fromPostcode, toPostcode string) (float64, error)

	// CheckPostcode returns nil if the postcode can be located.
	CheckPostcode(ctx context.Context, postcode string) error
}

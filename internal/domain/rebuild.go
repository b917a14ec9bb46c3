package domain

import (
	"context"
	"fmt"
)

// StateRebuilder restores card state from the ledger.
// Used to reconcile a card after a state write was lost.
type StateRebuilder struct {
	cards  CardRepository
	ledger Ledger
}

// NewStateRebuilder creates a StateRebuilder.
func NewStateRebuilder(cards CardRepository, ledger Ledger) *StateRebuilder {
	return &StateRebuilder{
		cards:  cards,
		ledger: ledger,
	}
}

// Rebuild sets the card state to the postcode and time of the card's latest
// GENUINE ledger entry. Returns ErrNotFound if there is none.
func (r *StateRebuilder) Rebuild(ctx context.Context, cardID string) (*CardState, error) {
	entry, err := r.ledger.LatestGenuine(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest genuine transaction of card %s: %w", cardID, err)
	}

	state := entry.Transaction.NextState()
	if err := r.cards.PutState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to write state of card %s: %w", cardID, err)
	}

	return &state, nil
}

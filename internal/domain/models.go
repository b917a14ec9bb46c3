package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is a single card transaction received from the point of sale.
// It is only constructed through ParseTransaction, so every field is present.
type Transaction struct {
	CardID        string          // Card the transaction was made with
	MemberID      string          // Member owning the card
	Amount        decimal.Decimal // Non-negative transaction amount
	Postcode      string          // Postcode of the point of sale
	POSID         string          // Point of sale identifier
	TransactionDT time.Time       // Event time reported by the point of sale
}

// CardProfile holds the static risk attributes of a card.
// It is maintained outside of the classification engine.
type CardProfile struct {
	CardID string
	Score  int             // Member credit score
	UCL    decimal.Decimal // Upper control limit for a single transaction amount
}

// CardState is the last known good location and time of a card.
// It only exists after the first GENUINE transaction of the card.
type CardState struct {
	CardID            string
	LastPostcode      string
	LastTransactionDT time.Time
}

// Status is the outcome of classifying a transaction.
type Status string

const (
	// StatusGenuine indicates that every rule passed
	StatusGenuine Status = "GENUINE"

	// StatusFraud indicates that at least one rule failed
	StatusFraud Status = "FRAUD"
)

// ClassifiedTransaction is the ledger entry written for every processed transaction.
type ClassifiedTransaction struct {
	ID           uuid.UUID // Ledger row key, independent of the card
	Transaction            // Transaction as received
	Status       Status
	FailedRules  []RuleName // Empty for GENUINE transactions
	ClassifiedAt time.Time
}

// NewClassifiedTransaction creates a ledger entry for a classified transaction.
func NewClassifiedTransaction(id uuid.UUID, tx Transaction, c Classification, now time.Time) *ClassifiedTransaction {
	return &ClassifiedTransaction{
		ID:           id,
		Transaction:  tx,
		Status:       c.Status,
		FailedRules:  c.FailedRules(),
		ClassifiedAt: now.UTC(),
	}
}

// NextState returns the card state a GENUINE transaction leads to.
func (t Transaction) NextState() CardState {
	return CardState{
		CardID:            t.CardID,
		LastPostcode:      t.Postcode,
		LastTransactionDT: t.TransactionDT,
	}
}

package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// BaseError is the error envelope of every non-2xx response.
// LedgerID is set when the transaction was ledgered before the failure.
type BaseError struct {
	ID          uuid.UUID  `json:"id"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Details     string     `json:"details,omitempty"`
	LedgerID    *uuid.UUID `json:"ledgerId,omitempty"`
}

// ClassifyResponse is returned for a synchronously classified transaction
type ClassifyResponse struct {
	Outcome     string              `json:"outcome"`
	LedgerID    *uuid.UUID          `json:"ledgerId,omitempty"`
	Status      string              `json:"status,omitempty"`
	FailedRules []domain.RuleName   `json:"failedRules"`
	Rules       []domain.RuleResult `json:"rules"`
}

// CardStateResponse is the last GENUINE location and time of a card
type CardStateResponse struct {
	CardID            string    `json:"cardId"`
	LastPostcode      string    `json:"lastPostcode"`
	LastTransactionDT time.Time `json:"lastTransactionDt"`
}

// ProfileRequest replaces the risk attributes of a card.
// ucl accepts a JSON string or number.
type ProfileRequest struct {
	Score *int                `json:"score"`
	UCL   decimal.NullDecimal `json:"ucl"`
}

// LedgerEntry is one classified transaction
type LedgerEntry struct {
	ID            uuid.UUID         `json:"id"`
	CardID        string            `json:"cardId"`
	MemberID      string            `json:"memberId"`
	Amount        string            `json:"amount"`
	Postcode      string            `json:"postcode"`
	POSID         string            `json:"posId"`
	TransactionDT time.Time         `json:"transactionDt"`
	Status        string            `json:"status"`
	FailedRules   []domain.RuleName `json:"failedRules"`
	ClassifiedAt  time.Time         `json:"classifiedAt"`
}

// GetTransactionsResponse lists ledger entries of a card, newest first
type GetTransactionsResponse struct {
	Content []LedgerEntry `json:"content"`
}

func newLedgerEntry(e *domain.ClassifiedTransaction) LedgerEntry {
	failed := e.FailedRules
	if failed == nil {
		failed = []domain.RuleName{}
	}
	return LedgerEntry{
		ID:            e.ID,
		CardID:        e.CardID,
		MemberID:      e.MemberID,
		Amount:        e.Amount.String(),
		Postcode:      e.Postcode,
		POSID:         e.POSID,
		TransactionDT: e.TransactionDT.UTC(),
		Status:        string(e.Status),
		FailedRules:   failed,
		ClassifiedAt:  e.ClassifiedAt.UTC(),
	}
}

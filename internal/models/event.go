package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

const (
	EventTypeClassified = "transaction.classified"
	EventTypeRejected   = "transaction.rejected"
)

// ClassifiedEvent is published for every transaction written to the ledger
type ClassifiedEvent struct {
	EventID        string              `json:"eventId"`
	EventType      string              `json:"eventType"`
	EventTimestamp string              `json:"eventTimestamp"`
	LedgerID       string              `json:"ledgerId"`
	CardID         string              `json:"cardId"`
	MemberID       string              `json:"memberId"`
	Amount         string              `json:"amount"` // Decimal as string to preserve precision
	Postcode       string              `json:"postcode"`
	POSID          string              `json:"posId"`
	TransactionDT  string              `json:"transactionDt"` // dd-MM-yyyy HH:mm:ss, as received
	Status         string              `json:"status"`
	FailedRules    []string            `json:"failedRules"`
	Rules          []domain.RuleResult `json:"rules"`
	Velocity       Velocity            `json:"velocity"`
	ClassifiedAt   string              `json:"classifiedAt"`
}

// Velocity describes the travel speed check.
// KmPerSec is omitted when there is no history or the speed is unbounded.
type Velocity struct {
	Kind           string   `json:"kind"`
	KmPerSec       *float64 `json:"kmPerSec,omitempty"`
	DistanceKm     float64  `json:"distanceKm"`
	ElapsedSeconds float64  `json:"elapsedSeconds"`
}

// RejectedEvent is published to the dead-letter route for payloads that can never be classified
type RejectedEvent struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	EventTimestamp string `json:"eventTimestamp"`
	DeliveryKey    string `json:"deliveryKey,omitempty"`
	Reason         string `json:"reason"`
	Payload        string `json:"payload"`
}

// NewClassifiedEvent builds the event for a ledger entry
func NewClassifiedEvent(entry *domain.ClassifiedTransaction, c domain.Classification, now time.Time) ClassifiedEvent {
	failed := make([]string, 0, len(entry.FailedRules))
	for _, r := range entry.FailedRules {
		failed = append(failed, string(r))
	}

	v := Velocity{
		Kind:           c.Velocity.Kind.String(),
		DistanceKm:     c.Velocity.DistanceKm,
		ElapsedSeconds: c.Velocity.ElapsedSeconds,
	}
	if c.Velocity.Kind == domain.VelocityMeasured && !math.IsInf(c.Velocity.KmPerSec, 0) {
		speed := c.Velocity.KmPerSec
		v.KmPerSec = &speed
	}

	return ClassifiedEvent{
		EventID:        uuid.NewString(),
		EventType:      EventTypeClassified,
		EventTimestamp: now.UTC().Format(time.RFC3339),
		LedgerID:       entry.ID.String(),
		CardID:         entry.CardID,
		MemberID:       entry.MemberID,
		Amount:         entry.Amount.String(),
		Postcode:       entry.Postcode,
		POSID:          entry.POSID,
		TransactionDT:  entry.TransactionDT.Format(domain.TransactionTimeLayout),
		Status:         string(entry.Status),
		FailedRules:    failed,
		Rules:          c.Rules,
		Velocity:       v,
		ClassifiedAt:   entry.ClassifiedAt.UTC().Format(time.RFC3339),
	}
}

// NewRejectedEvent builds the dead-letter event for a payload
func NewRejectedEvent(payload []byte, deliveryKey string, reason error, now time.Time) RejectedEvent {
	return RejectedEvent{
		EventID:        uuid.NewString(),
		EventType:      EventTypeRejected,
		EventTimestamp: now.UTC().Format(time.RFC3339),
		DeliveryKey:    deliveryKey,
		Reason:         reason.Error(),
		Payload:        string(payload),
	}
}

package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/db"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// Ledger stores classified transactions in ClickHouse.
// Append skips IDs that are already stored. Concurrent appends of one ID can
// still both land; card_transactions is a ReplacingMergeTree keyed by
// (card_id, id) whose version keeps the earliest classified_at, and reads use
// FINAL to see the collapsed row before background merges run.
type Ledger struct {
	db *db.ClickHouseClient
}

// NewLedger creates a new ClickHouse ledger
func NewLedger(db *db.ClickHouseClient) *Ledger {
	return &Ledger{db: db}
}

// Append inserts a classified transaction unless its ID is already stored
func (l *Ledger) Append(ctx context.Context, entry *domain.ClassifiedTransaction) error {
	var existing uint64
	if err := l.db.Conn().QueryRow(ctx,
		`SELECT count() FROM card_transactions WHERE card_id = ? AND id = ?`,
		entry.CardID, entry.ID,
	).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check transaction %s: %w", entry.ID, err)
	}
	if existing > 0 {
		return nil
	}

	query := `
		INSERT INTO card_transactions (
			id, card_id, member_id, amount, postcode, pos_id,
			transaction_dt, status, failed_rules, classified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	failed := make([]string, 0, len(entry.FailedRules))
	for _, r := range entry.FailedRules {
		failed = append(failed, string(r))
	}

	err := l.db.Conn().Exec(ctx, query,
		entry.ID,
		entry.CardID,
		entry.MemberID,
		entry.Amount,
		entry.Postcode,
		entry.POSID,
		entry.TransactionDT,
		string(entry.Status),
		failed,
		entry.ClassifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", entry.ID, err)
	}

	return nil
}

// ListByCard retrieves the most recent transactions of a card
func (l *Ledger) ListByCard(ctx context.Context, cardID string, limit int) ([]*domain.ClassifiedTransaction, error) {
	query := `
		SELECT
			id, card_id, member_id, amount, postcode, pos_id,
			transaction_dt, toString(status), failed_rules, classified_at
		FROM card_transactions FINAL
		WHERE card_id = ?
		ORDER BY transaction_dt DESC, classified_at DESC
		LIMIT ?
	`

	rows, err := l.db.Conn().Query(ctx, query, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for card %s: %w", cardID, err)
	}
	defer rows.Close()

	var entries []*domain.ClassifiedTransaction
	for rows.Next() {
		var (
			id            uuid.UUID
			entry         domain.ClassifiedTransaction
			amount        decimal.Decimal
			transactionDT time.Time
			status        string
			failed        []string
			classifiedAt  time.Time
		)

		err := rows.Scan(
			&id,
			&entry.CardID,
			&entry.MemberID,
			&amount,
			&entry.Postcode,
			&entry.POSID,
			&transactionDT,
			&status,
			&failed,
			&classifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}

		entry.ID = id
		entry.Amount = amount
		entry.TransactionDT = transactionDT.UTC()
		entry.Status = domain.Status(status)
		entry.ClassifiedAt = classifiedAt.UTC()
		for _, name := range failed {
			entry.FailedRules = append(entry.FailedRules, domain.RuleName(name))
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}

	return entries, nil
}

// LatestGenuine retrieves the GENUINE transaction with the latest transaction time
func (l *Ledger) LatestGenuine(ctx context.Context, cardID string) (*domain.ClassifiedTransaction, error) {
	query := `
		SELECT
			id, member_id, amount, postcode, pos_id, transaction_dt, classified_at
		FROM card_transactions FINAL
		WHERE card_id = ? AND status = 'GENUINE'
		ORDER BY transaction_dt DESC, classified_at DESC
		LIMIT 1
	`

	rows, err := l.db.Conn().Query(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest genuine transaction for card %s: %w", cardID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading latest genuine transaction: %w", err)
		}
		return nil, domain.ErrNotFound
	}

	entry := domain.ClassifiedTransaction{Status: domain.StatusGenuine}
	entry.CardID = cardID
	var transactionDT, classifiedAt time.Time
	if err := rows.Scan(
		&entry.ID,
		&entry.MemberID,
		&entry.Amount,
		&entry.Postcode,
		&entry.POSID,
		&transactionDT,
		&classifiedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}
	entry.TransactionDT = transactionDT.UTC()
	entry.ClassifiedAt = classifiedAt.UTC()

	return &entry, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

const ledgerColumns = `
	id, card_id, member_id, amount::text, postcode, pos_id,
	transaction_dt, status, failed_rules, classified_at
`

// Ledger implements domain.Ledger on the card_transactions table.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a new Ledger.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{
		pool: pool,
	}
}

// Append inserts a classified transaction. Existing IDs are left untouched.
func (l *Ledger) Append(ctx context.Context, entry *domain.ClassifiedTransaction) error {
	query := `
		INSERT INTO card_transactions (
			id, card_id, member_id, amount, postcode, pos_id,
			transaction_dt, status, failed_rules, classified_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := conn(ctx, l.pool).Exec(ctx, query,
		entry.ID,
		entry.CardID,
		entry.MemberID,
		entry.Amount.String(),
		entry.Postcode,
		entry.POSID,
		entry.TransactionDT,
		string(entry.Status),
		ruleNames(entry.FailedRules),
		entry.ClassifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction %s: %w", entry.ID, err)
	}
	return nil
}

// ListByCard returns the most recent entries of a card, newest first.
func (l *Ledger) ListByCard(ctx context.Context, cardID string, limit int) ([]*domain.ClassifiedTransaction, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM card_transactions
		WHERE card_id = $1
		ORDER BY transaction_dt DESC, classified_at DESC
		LIMIT $2
	`

	rows, err := conn(ctx, l.pool).Query(ctx, query, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions of card %s: %w", cardID, err)
	}
	defer rows.Close()

	var entries []*domain.ClassifiedTransaction
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}

	return entries, nil
}

// LatestGenuine returns the GENUINE entry with the latest transaction time.
func (l *Ledger) LatestGenuine(ctx context.Context, cardID string) (*domain.ClassifiedTransaction, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM card_transactions
		WHERE card_id = $1 AND status = 'GENUINE'
		ORDER BY transaction_dt DESC, classified_at DESC
		LIMIT 1
	`

	entry, err := scanEntry(conn(ctx, l.pool).QueryRow(ctx, query, cardID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return entry, err
}

func scanEntry(row pgx.Row) (*domain.ClassifiedTransaction, error) {
	var entry domain.ClassifiedTransaction
	var amount, status string
	var failed []string

	err := row.Scan(
		&entry.ID,
		&entry.CardID,
		&entry.MemberID,
		&amount,
		&entry.Postcode,
		&entry.POSID,
		&entry.TransactionDT,
		&status,
		&failed,
		&entry.ClassifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction row: %w", err)
	}

	entry.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q in transaction %s: %w", amount, entry.ID, err)
	}
	entry.Status = domain.Status(status)
	entry.TransactionDT = entry.TransactionDT.UTC()
	entry.ClassifiedAt = entry.ClassifiedAt.UTC()
	for _, name := range failed {
		entry.FailedRules = append(entry.FailedRules, domain.RuleName(name))
	}

	return &entry, nil
}

func ruleNames(rules []domain.RuleName) []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, string(r))
	}
	return names
}

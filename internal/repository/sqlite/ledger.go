package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

const ledgerColumns = `id, card_id, member_id, amount, postcode, pos_id,
  transaction_dt_ms, status, failed_rules, classified_at_ms`

// Ledger implements domain.Ledger on SQLite.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Append(ctx context.Context, entry *domain.ClassifiedTransaction) error {
	if _, err := l.db.ExecContext(ctx, `
INSERT INTO card_transactions (`+ledgerColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`,
		entry.ID.String(), entry.CardID, entry.MemberID, entry.Amount.String(),
		entry.Postcode, entry.POSID, entry.TransactionDT.UnixMilli(),
		string(entry.Status), joinRules(entry.FailedRules), entry.ClassifiedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("Append %s: %w", entry.ID, err)
	}
	return nil
}

func (l *Ledger) ListByCard(ctx context.Context, cardID string, limit int) ([]*domain.ClassifiedTransaction, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT `+ledgerColumns+`
FROM card_transactions
WHERE card_id = ?
ORDER BY transaction_dt_ms DESC, classified_at_ms DESC
LIMIT ?;
`, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListByCard %s: %w", cardID, err)
	}
	defer rows.Close()

	var out []*domain.ClassifiedTransaction
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByCard %s rows: %w", cardID, err)
	}
	return out, nil
}

func (l *Ledger) LatestGenuine(ctx context.Context, cardID string) (*domain.ClassifiedTransaction, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT `+ledgerColumns+`
FROM card_transactions
WHERE card_id = ? AND status = 'GENUINE'
ORDER BY transaction_dt_ms DESC, classified_at_ms DESC
LIMIT 1;
`, cardID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return entry, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*domain.ClassifiedTransaction, error) {
	var entry domain.ClassifiedTransaction
	var id, amount, status, failed string
	var dtMs, classifiedMs int64

	if err := s.Scan(&id, &entry.CardID, &entry.MemberID, &amount, &entry.Postcode, &entry.POSID,
		&dtMs, &status, &failed, &classifiedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	var err error
	if entry.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("scan transaction id %q: %w", id, err)
	}
	if entry.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("scan transaction %s amount %q: %w", id, amount, err)
	}
	entry.Status = domain.Status(status)
	entry.TransactionDT = time.UnixMilli(dtMs).UTC()
	entry.ClassifiedAt = time.UnixMilli(classifiedMs).UTC()
	entry.FailedRules = splitRules(failed)

	return &entry, nil
}

func joinRules(rules []domain.RuleName) string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

func splitRules(s string) []domain.RuleName {
	if s == "" {
		return nil
	}
	var rules []domain.RuleName
	for _, name := range strings.Split(s, ",") {
		rules = append(rules, domain.RuleName(name))
	}
	return rules
}

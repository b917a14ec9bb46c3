package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// CardRepository implements domain.CardRepository on SQLite.
// Times are stored as Unix milliseconds, amounts as decimal text.
type CardRepository struct {
	db *sql.DB
}

func NewCardRepository(db *sql.DB) *CardRepository {
	return &CardRepository{db: db}
}

func (r *CardRepository) GetProfile(ctx context.Context, cardID string) (*domain.CardProfile, error) {
	var score int
	var ucl sql.NullString
	err := r.db.QueryRowContext(ctx, `
SELECT score, ucl FROM card_lookup WHERE card_id = ? AND score IS NOT NULL;
`, cardID).Scan(&score, &ucl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetProfile %s: %w", cardID, err)
	}

	amount := decimal.Zero
	if ucl.Valid && ucl.String != "" {
		amount, err = decimal.NewFromString(ucl.String)
		if err != nil {
			return nil, fmt.Errorf("GetProfile %s: invalid ucl %q: %w", cardID, ucl.String, err)
		}
	}

	return &domain.CardProfile{CardID: cardID, Score: score, UCL: amount}, nil
}

func (r *CardRepository) GetState(ctx context.Context, cardID string) (*domain.CardState, error) {
	var postcode string
	var dtMs int64
	err := r.db.QueryRowContext(ctx, `
SELECT postcode, transaction_dt_ms FROM card_lookup
WHERE card_id = ? AND postcode IS NOT NULL AND transaction_dt_ms IS NOT NULL;
`, cardID).Scan(&postcode, &dtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetState %s: %w", cardID, err)
	}

	return &domain.CardState{
		CardID:            cardID,
		LastPostcode:      postcode,
		LastTransactionDT: time.UnixMilli(dtMs).UTC(),
	}, nil
}

func (r *CardRepository) PutState(ctx context.Context, state domain.CardState) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO card_lookup (card_id, postcode, transaction_dt_ms, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(card_id) DO UPDATE SET
  postcode = excluded.postcode,
  transaction_dt_ms = excluded.transaction_dt_ms,
  updated_at_ms = excluded.updated_at_ms;
`, state.CardID, state.LastPostcode, state.LastTransactionDT.UnixMilli(), nowMs())
	if err != nil {
		return fmt.Errorf("PutState %s: %w", state.CardID, err)
	}
	return nil
}

func (r *CardRepository) CompareAndSwapState(ctx context.Context, prev *domain.CardState, next domain.CardState) error {
	var res sql.Result
	var err error

	if prev == nil {
		res, err = r.db.ExecContext(ctx, `
INSERT INTO card_lookup (card_id, postcode, transaction_dt_ms, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(card_id) DO UPDATE SET
  postcode = excluded.postcode,
  transaction_dt_ms = excluded.transaction_dt_ms,
  updated_at_ms = excluded.updated_at_ms
WHERE card_lookup.postcode IS NULL;
`, next.CardID, next.LastPostcode, next.LastTransactionDT.UnixMilli(), nowMs())
	} else {
		res, err = r.db.ExecContext(ctx, `
UPDATE card_lookup
SET postcode = ?, transaction_dt_ms = ?, updated_at_ms = ?
WHERE card_id = ? AND postcode = ? AND transaction_dt_ms = ?;
`, next.LastPostcode, next.LastTransactionDT.UnixMilli(), nowMs(),
			next.CardID, prev.LastPostcode, prev.LastTransactionDT.UnixMilli())
	}
	if err != nil {
		return fmt.Errorf("CompareAndSwapState %s: %w", next.CardID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("CompareAndSwapState %s rows affected: %w", next.CardID, err)
	}
	if n == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

func (r *CardRepository) UpsertProfile(ctx context.Context, profile domain.CardProfile) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO card_lookup (card_id, score, ucl, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(card_id) DO UPDATE SET
  score = excluded.score,
  ucl = excluded.ucl,
  updated_at_ms = excluded.updated_at_ms;
`, profile.CardID, profile.Score, profile.UCL.String(), nowMs())
	if err != nil {
		return fmt.Errorf("UpsertProfile %s: %w", profile.CardID, err)
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

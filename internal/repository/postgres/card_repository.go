package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// CardRepository implements domain.CardRepository on the card_lookup table.
// Profile and state share a row; a NULL score means no profile and a NULL
// postcode means no state.
type CardRepository struct {
	pool *pgxpool.Pool
}

// NewCardRepository creates a new CardRepository.
func NewCardRepository(pool *pgxpool.Pool) *CardRepository {
	return &CardRepository{
		pool: pool,
	}
}

// GetProfile retrieves the score and UCL of a card.
func (r *CardRepository) GetProfile(ctx context.Context, cardID string) (*domain.CardProfile, error) {
	query := `
		SELECT score, COALESCE(ucl::text, '0')
		FROM card_lookup
		WHERE card_id = $1 AND score IS NOT NULL
	`

	var score int
	var ucl string
	err := conn(ctx, r.pool).QueryRow(ctx, query, cardID).Scan(&score, &ucl)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile of card %s: %w", cardID, err)
	}

	amount, err := decimal.NewFromString(ucl)
	if err != nil {
		return nil, fmt.Errorf("invalid ucl %q of card %s: %w", ucl, cardID, err)
	}

	return &domain.CardProfile{CardID: cardID, Score: score, UCL: amount}, nil
}

// GetState retrieves the last GENUINE postcode and time of a card.
func (r *CardRepository) GetState(ctx context.Context, cardID string) (*domain.CardState, error) {
	query := `
		SELECT postcode, transaction_dt
		FROM card_lookup
		WHERE card_id = $1 AND postcode IS NOT NULL AND transaction_dt IS NOT NULL
	`

	state := domain.CardState{CardID: cardID}
	err := conn(ctx, r.pool).QueryRow(ctx, query, cardID).Scan(&state.LastPostcode, &state.LastTransactionDT)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get state of card %s: %w", cardID, err)
	}

	state.LastTransactionDT = state.LastTransactionDT.UTC()
	return &state, nil
}

// PutState overwrites the state of a card, keeping its profile.
func (r *CardRepository) PutState(ctx context.Context, state domain.CardState) error {
	query := `
		INSERT INTO card_lookup (card_id, postcode, transaction_dt, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (card_id) DO UPDATE
		SET postcode = EXCLUDED.postcode,
		    transaction_dt = EXCLUDED.transaction_dt,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query, state.CardID, state.LastPostcode, state.LastTransactionDT, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to put state of card %s: %w", state.CardID, err)
	}
	return nil
}

// CompareAndSwapState writes next only if the stored state equals prev.
func (r *CardRepository) CompareAndSwapState(ctx context.Context, prev *domain.CardState, next domain.CardState) error {
	var query string
	args := []any{next.CardID, next.LastPostcode, next.LastTransactionDT, time.Now().UTC()}

	if prev == nil {
		// Insert, or fill a profile-only row, as long as no state exists.
		query = `
			INSERT INTO card_lookup (card_id, postcode, transaction_dt, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (card_id) DO UPDATE
			SET postcode = EXCLUDED.postcode,
			    transaction_dt = EXCLUDED.transaction_dt,
			    updated_at = EXCLUDED.updated_at
			WHERE card_lookup.postcode IS NULL
		`
	} else {
		query = `
			UPDATE card_lookup
			SET postcode = $2, transaction_dt = $3, updated_at = $4
			WHERE card_id = $1 AND postcode = $5 AND transaction_dt = $6
		`
		args = append(args, prev.LastPostcode, prev.LastTransactionDT)
	}

	tag, err := conn(ctx, r.pool).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to swap state of card %s: %w", next.CardID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

// UpsertProfile creates or replaces the profile of a card, keeping its state.
func (r *CardRepository) UpsertProfile(ctx context.Context, profile domain.CardProfile) error {
	query := `
		INSERT INTO card_lookup (card_id, score, ucl, updated_at)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (card_id) DO UPDATE
		SET score = EXCLUDED.score,
		    ucl = EXCLUDED.ucl,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := conn(ctx, r.pool).Exec(ctx, query, profile.CardID, profile.Score, profile.UCL.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert profile of card %s: %w", profile.CardID, err)
	}
	return nil
}

package memory

import (
	"context"
	"sync"

	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// CardRepository is an in-memory domain.CardRepository.
// It is intended for tests and local runs.
type CardRepository struct {
	mu       sync.RWMutex
	profiles map[string]domain.CardProfile
	states   map[string]domain.CardState
}

func NewCardRepository() *CardRepository {
	return &CardRepository{
		profiles: make(map[string]domain.CardProfile),
		states:   make(map[string]domain.CardState),
	}
}

func (r *CardRepository) GetProfile(_ context.Context, cardID string) (*domain.CardProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[cardID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (r *CardRepository) GetState(_ context.Context, cardID string) (*domain.CardState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[cardID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (r *CardRepository) PutState(_ context.Context, state domain.CardState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states[state.CardID] = state
	return nil
}

func (r *CardRepository) CompareAndSwapState(_ context.Context, prev *domain.CardState, next domain.CardState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.states[next.CardID]
	if prev == nil {
		if ok {
			return domain.ErrStateConflict
		}
	} else if !ok || !sameState(current, *prev) {
		return domain.ErrStateConflict
	}

	r.states[next.CardID] = next
	return nil
}

func (r *CardRepository) UpsertProfile(_ context.Context, profile domain.CardProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.CardID] = profile
	return nil
}

func sameState(a, b domain.CardState) bool {
	return a.LastPostcode == b.LastPostcode && a.LastTransactionDT.Equal(b.LastTransactionDT)
}

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// Ledger is an in-memory append-only domain.Ledger.
type Ledger struct {
	mu      sync.Mutex
	entries []*domain.ClassifiedTransaction
	ids     map[uuid.UUID]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{ids: make(map[uuid.UUID]struct{})}
}

func (l *Ledger) Append(_ context.Context, entry *domain.ClassifiedTransaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[entry.ID]; ok {
		return nil
	}
	cp := *entry
	l.entries = append(l.entries, &cp)
	l.ids[entry.ID] = struct{}{}
	return nil
}

// ListByCard returns entries newest first by transaction time, then by append order.
func (l *Ledger) ListByCard(_ context.Context, cardID string, limit int) ([]*domain.ClassifiedTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.ClassifiedTransaction
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].CardID == cardID {
			cp := *l.entries[i]
			out = append(out, &cp)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TransactionDT.After(out[j].TransactionDT)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) LatestGenuine(_ context.Context, cardID string) (*domain.ClassifiedTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *domain.ClassifiedTransaction
	for _, e := range l.entries {
		if e.CardID != cardID || e.Status != domain.StatusGenuine {
			continue
		}
		if latest == nil || !e.TransactionDT.Before(latest.TransactionDT) {
			latest = e
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// Len returns the number of stored entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

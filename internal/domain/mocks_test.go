package domain

import (
	"context"
	"sync"
)

// MockCardRepository is an in-memory CardRepository with injectable failures
type MockCardRepository struct {
	mu       sync.Mutex
	profiles map[string]CardProfile
	states   map[string]CardState

	getProfileErr error
	getStateErr   error
	putStateErr   error // returned by the first putFailures writes, -1 for all
	putFailures   int
	putCalls      int
}

func NewMockCardRepository() *MockCardRepository {
	return &MockCardRepository{
		profiles: make(map[string]CardProfile),
		states:   make(map[string]CardState),
	}
}

func (m *MockCardRepository) GetProfile(ctx context.Context, cardID string) (*CardProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getProfileErr != nil {
		return nil, m.getProfileErr
	}
	p, ok := m.profiles[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MockCardRepository) GetState(ctx context.Context, cardID string) (*CardState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getStateErr != nil {
		return nil, m.getStateErr
	}
	s, ok := m.states[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MockCardRepository) PutState(ctx context.Context, state CardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putCalls++
	if m.putStateErr != nil && (m.putFailures < 0 || m.putCalls <= m.putFailures) {
		return m.putStateErr
	}
	m.states[state.CardID] = state
	return nil
}

func (m *MockCardRepository) CompareAndSwapState(ctx context.Context, prev *CardState, next CardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putCalls++
	current, ok := m.states[next.CardID]
	switch {
	case prev == nil && ok:
		return ErrStateConflict
	case prev != nil && !ok:
		return ErrStateConflict
	case prev != nil && (current.LastPostcode != prev.LastPostcode || !current.LastTransactionDT.Equal(prev.LastTransactionDT)):
		return ErrStateConflict
	}
	m.states[next.CardID] = next
	return nil
}

func (m *MockCardRepository) UpsertProfile(ctx context.Context, profile CardProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[profile.CardID] = profile
	return nil
}

func (m *MockCardRepository) state(cardID string) (CardState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[cardID]
	return s, ok
}

// MockLedger records appended entries, ignoring duplicate IDs
type MockLedger struct {
	mu        sync.Mutex
	entries   []*ClassifiedTransaction
	appendErr error
	failures  int // number of Append calls that fail with appendErr, -1 for all
	calls     int
}

func (m *MockLedger) Append(ctx context.Context, entry *ClassifiedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.appendErr != nil && (m.failures < 0 || m.calls <= m.failures) {
		return m.appendErr
	}
	for _, e := range m.entries {
		if e.ID == entry.ID {
			return nil
		}
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockLedger) ListByCard(ctx context.Context, cardID string, limit int) ([]*ClassifiedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*ClassifiedTransaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].CardID == cardID {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

func (m *MockLedger) LatestGenuine(ctx context.Context, cardID string) (*ClassifiedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *ClassifiedTransaction
	for _, e := range m.entries {
		if e.CardID != cardID || e.Status != StatusGenuine {
			continue
		}
		if latest == nil || e.TransactionDT.After(latest.TransactionDT) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (m *MockLedger) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StubDistances returns fixed distances keyed by "from|to".
// Every postcode is known unless listed in unknown.
type StubDistances struct {
	distances map[string]float64
	unknown   map[string]bool
	err       error
	checkErr  error
	calls     int
}

func (s *StubDistances) CheckPostcode(ctx context.Context, postcode string) error {
	if s.checkErr != nil {
		return s.checkErr
	}
	if s.unknown[postcode] {
		return ErrUnknownPostcode
	}
	return nil
}

func (s *StubDistances) DistanceKm(ctx context.Context, from, to string) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	if s.unknown[from] || s.unknown[to] {
		return 0, ErrUnknownPostcode
	}
	if d, ok := s.distances[from+"|"+to]; ok {
		return d, nil
	}
	if d, ok := s.distances[to+"|"+from]; ok {
		return d, nil
	}
	return 0, ErrUnknownPostcode
}

// RecordingPublisher collects published classifications
type RecordingPublisher struct {
	published []*ClassifiedTransaction
	err       error
}

func (p *RecordingPublisher) PublishClassified(ctx context.Context, entry *ClassifiedTransaction, c Classification) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, entry)
	return nil
}

package capacity

import (
	"context"
	"maps"
	"sync"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// MemoryStore is a mutex-guarded in-memory ledger. A persist hook, when set,
// runs under the lock after every mutation; if it fails the mutation is
// rolled back.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.CapacityRecord
	persist func(map[string]domain.CapacityRecord) error
}

// NewMemoryStore creates a ledger seeded from offers.
func NewMemoryStore(offers []domain.Offer) *MemoryStore {
	return &MemoryStore{records: FromOffers(offers)}
}

// NewMemoryStoreFromRecords creates a ledger holding the given records.
func NewMemoryStoreFromRecords(records []domain.CapacityRecord) *MemoryStore {
	m := make(map[string]domain.CapacityRecord, len(records))
	for _, r := range records {
		r.UsedPct = domain.UsedFraction(r.Used, r.Capacity)
		m[r.SupplierID] = r
	}
	return &MemoryStore{records: m}
}

func (s *MemoryStore) TryConsume(ctx context.Context, supplierID string, amount int) (domain.CapacityRecord, error) {
	return s.update(ctx, supplierID, func(rec domain.CapacityRecord) (domain.CapacityRecord, error) {
		return Consume(rec, amount)
	})
}

func (s *MemoryStore) Release(ctx context.Context, supplierID string, amount int) (domain.CapacityRecord, error) {
	return s.update(ctx, supplierID, func(rec domain.CapacityRecord) (domain.CapacityRecord, error) {
		return Give(rec, amount)
	})
}

func (s *MemoryStore) update(ctx context.Context, supplierID string, fn func(domain.CapacityRecord) (domain.CapacityRecord, error)) (domain.CapacityRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.CapacityRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[supplierID]
	if !ok {
		return domain.CapacityRecord{}, domain.ErrUnknownSupplier(supplierID)
	}
	next, err := fn(prev)
	if err != nil {
		return prev, err
	}
	s.records[supplierID] = next
	if err := s.flush(); err != nil {
		s.records[supplierID] = prev
		return prev, err
	}
	return next, nil
}

func (s *MemoryStore) Get(ctx context.Context, supplierID string) (domain.CapacityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[supplierID]
	if !ok {
		return domain.CapacityRecord{}, domain.ErrUnknownSupplier(supplierID)
	}
	return rec, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) ([]domain.CapacityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sorted(s.records), nil
}

func (s *MemoryStore) Seed(ctx context.Context, offers []domain.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := maps.Clone(s.records)
	added := false
	for id, rec := range FromOffers(offers) {
		if _, ok := s.records[id]; !ok {
			s.records[id] = rec
			added = true
		}
	}
	if !added {
		return nil
	}
	if err := s.flush(); err != nil {
		s.records = prev
		return err
	}
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, offers []domain.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records
	s.records = FromOffers(offers)
	if err := s.flush(); err != nil {
		s.records = prev
		return err
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) flush() error {
	if s.persist == nil {
		return nil
	}
	return s.persist(s.records)
}

// Package capacity tracks how much of each supplier's capacity a run has
// consumed.
//
// Every implementation enforces 0 <= Used <= Capacity with an atomic
// check-and-increment; a consumption that would overflow fails with a
// domain.KindCapacityExceeded error and leaves the record untouched.
package capacity

import (
	"context"
	"fmt"
	"sort"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Store is the per-supplier usage ledger shared by every record of a run.
type Store interface {
	// TryConsume adds amount to the supplier's used count if it fits.
	TryConsume(ctx context.Context, supplierID string, amount int) (domain.CapacityRecord, error)

	// Release gives back amount previously consumed.
	Release(ctx context.Context, supplierID string, amount int) (domain.CapacityRecord, error)

	// Get returns one supplier's record.
	Get(ctx context.Context, supplierID string) (domain.CapacityRecord, error)

	// Snapshot returns every record ordered by supplier ID.
	Snapshot(ctx context.Context) ([]domain.CapacityRecord, error)

	// Seed adds suppliers from offers that the ledger does not know yet,
	// with used=0. Existing records are left as they are.
	Seed(ctx context.Context, offers []domain.Offer) error

	// Reset discards the ledger and rebuilds it from offers with used=0.
	Reset(ctx context.Context, offers []domain.Offer) error

	Close() error
}

// FromOffers builds fresh records from the offer catalog.
func FromOffers(offers []domain.Offer) map[string]domain.CapacityRecord {
	records := make(map[string]domain.CapacityRecord, len(offers))
	for _, o := range offers {
		if o.SupplierID == "" {
			continue
		}
		records[o.SupplierID] = domain.CapacityRecord{
			SupplierID: o.SupplierID,
			Capacity:   o.Capacity,
		}
	}
	return records
}

// Sorted returns the records of m ordered by supplier ID.
func Sorted(m map[string]domain.CapacityRecord) []domain.CapacityRecord {
	out := make([]domain.CapacityRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplierID < out[j].SupplierID })
	return out
}

// Consume applies a consumption to rec, returning the updated record.
// It is the single place where the capacity bound is checked.
func Consume(rec domain.CapacityRecord, amount int) (domain.CapacityRecord, error) {
	if amount <= 0 {
		return rec, domain.ErrInvalidRequest(fmt.Sprintf("consume amount must be positive, got %d", amount))
	}
	if rec.Used+amount > rec.Capacity {
		return rec, domain.ErrCapacityExceeded(rec.SupplierID, rec.Used+amount, rec.Capacity)
	}
	rec.Used += amount
	rec.UsedPct = domain.UsedFraction(rec.Used, rec.Capacity)
	return rec, nil
}

// Give applies a release to rec, returning the updated record.
func Give(rec domain.CapacityRecord, amount int) (domain.CapacityRecord, error) {
	if amount <= 0 {
		return rec, domain.ErrInvalidRequest(fmt.Sprintf("release amount must be positive, got %d", amount))
	}
	if rec.Used-amount < 0 {
		return rec, domain.ErrInvalidRequest(
			fmt.Sprintf("supplier %s release of %d exceeds used %d", rec.SupplierID, amount, rec.Used)).
			WithParam(rec.SupplierID)
	}
	rec.Used -= amount
	rec.UsedPct = domain.UsedFraction(rec.Used, rec.Capacity)
	return rec, nil
}

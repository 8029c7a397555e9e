// Package capacitytest holds the behavioural contract every capacity.Store
// implementation must satisfy.
package capacitytest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/domain"
)

// Factory opens a fresh store seeded from offers.
type Factory func(t *testing.T, offers []domain.Offer) capacity.Store

// Offers returns a small catalog used by the contract.
func Offers() []domain.Offer {
	return []domain.Offer{
		{SupplierID: "S1", Capacity: 2, Regions: []string{"55407"}},
		{SupplierID: "S2", Capacity: 10, Regions: []string{"55401"}},
		{SupplierID: "S3", Capacity: 0},
	}
}

// Run exercises the Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("consume within capacity", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()

		rec, err := s.TryConsume(ctx, "S1", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Used)
		assert.Equal(t, 2, rec.Capacity)
		assert.InDelta(t, 0.5, rec.UsedPct, 0.001)

		rec, err = s.TryConsume(ctx, "S1", 1)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Used)
		assert.InDelta(t, 1.0, rec.UsedPct, 0.001)
	})

	t.Run("overflow fails and leaves record untouched", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()

		_, err := s.TryConsume(ctx, "S1", 2)
		require.NoError(t, err)

		_, err = s.TryConsume(ctx, "S1", 1)
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindCapacityExceeded), "got %v", err)

		rec, err := s.Get(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Used)
	})

	t.Run("zero capacity supplier never consumes", func(t *testing.T) {
		s := newStore(t, Offers())
		_, err := s.TryConsume(context.Background(), "S3", 1)
		assert.True(t, domain.IsKind(err, domain.KindCapacityExceeded))
	})

	t.Run("unknown supplier is not a capacity error", func(t *testing.T) {
		s := newStore(t, Offers())
		_, err := s.TryConsume(context.Background(), "S9", 1)
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindNotFound))
		assert.False(t, domain.IsKind(err, domain.KindCapacityExceeded))
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		s := newStore(t, Offers())
		_, err := s.TryConsume(context.Background(), "S2", 0)
		require.Error(t, err)
		rec, err := s.Get(context.Background(), "S2")
		require.NoError(t, err)
		assert.Equal(t, 0, rec.Used)
	})

	t.Run("release", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()

		_, err := s.TryConsume(ctx, "S2", 3)
		require.NoError(t, err)

		rec, err := s.Release(ctx, "S2", 1)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Used)

		_, err = s.Release(ctx, "S2", 5)
		require.Error(t, err)
		rec, err = s.Get(ctx, "S2")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Used)
	})

	t.Run("concurrent consumers never overflow", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.TryConsume(ctx, "S2", 1); err == nil {
					ok.Add(1)
				} else {
					assert.True(t, domain.IsKind(err, domain.KindCapacityExceeded), "got %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(10), ok.Load())
		rec, err := s.Get(ctx, "S2")
		require.NoError(t, err)
		assert.Equal(t, 10, rec.Used)
	})

	t.Run("seed keeps existing records", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()

		_, err := s.TryConsume(ctx, "S1", 1)
		require.NoError(t, err)

		changed := []domain.Offer{
			{SupplierID: "S1", Capacity: 50},
			{SupplierID: "S4", Capacity: 3},
		}
		require.NoError(t, s.Seed(ctx, changed))

		rec, err := s.Get(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Capacity, "existing capacity must not be overwritten")
		assert.Equal(t, 1, rec.Used)

		rec, err = s.Get(ctx, "S4")
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Capacity)
		assert.Equal(t, 0, rec.Used)
	})

	t.Run("reset resyncs from offers", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()

		_, err := s.TryConsume(ctx, "S1", 2)
		require.NoError(t, err)

		require.NoError(t, s.Reset(ctx, []domain.Offer{{SupplierID: "S1", Capacity: 5}}))

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap, 1)
		assert.Equal(t, domain.CapacityRecord{SupplierID: "S1", Capacity: 5}, snap[0])
	})

	t.Run("snapshot ordered and within bounds", func(t *testing.T) {
		s := newStore(t, Offers())
		ctx := context.Background()
		_, _ = s.TryConsume(ctx, "S2", 4)

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap, 3)
		assert.Equal(t, []string{"S1", "S2", "S3"}, []string{snap[0].SupplierID, snap[1].SupplierID, snap[2].SupplierID})
		for _, r := range snap {
			assert.GreaterOrEqual(t, r.Used, 0)
			assert.LessOrEqual(t, r.Used, r.Capacity)
		}
		assert.InDelta(t, 0.4, snap[1].UsedPct, 0.001)
	})
}

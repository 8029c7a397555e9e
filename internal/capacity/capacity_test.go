package capacity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/capacity/capacitytest"
	"github.com/tjfontaine/matchbench/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	capacitytest.Run(t, func(t *testing.T, offers []domain.Offer) capacity.Store {
		return capacity.NewMemoryStore(offers)
	})
}

func TestFileStore(t *testing.T) {
	capacitytest.Run(t, func(t *testing.T, offers []domain.Offer) capacity.Store {
		s, err := capacity.OpenFile(context.Background(), filepath.Join(t.TempDir(), "capacity.json"), offers, nil)
		require.NoError(t, err)
		return s
	})
}

func TestFileStorePersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "capacity.json")

	s, err := capacity.OpenFile(ctx, path, capacitytest.Offers(), nil)
	require.NoError(t, err)

	_, err = s.TryConsume(ctx, "S1", 1)
	require.NoError(t, err)

	onDisk, err := capacity.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, domain.CapacityRecord{SupplierID: "S1", Capacity: 2, Used: 1, UsedPct: 0.5}, onDisk["S1"])

	// A failed consumption must not touch the file.
	_, err = s.TryConsume(ctx, "S1", 5)
	require.Error(t, err)
	onDisk, err = capacity.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 1, onDisk["S1"].Used)
}

func TestFileStoreSnapshotWinsOverOffers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "capacity.json")
	snapshot := `{
  "S1": {"SupplierID": "S1", "Capacity": 1, "Used": 1, "UsedPct": 1.0}
}`
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))

	offers := []domain.Offer{
		{SupplierID: "S1", Capacity: 100},
		{SupplierID: "S2", Capacity: 4},
	}
	s, err := capacity.OpenFile(ctx, path, offers, nil)
	require.NoError(t, err)

	rec, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Capacity)
	assert.Equal(t, 1, rec.Used)

	rec, err = s.Get(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Used)

	require.NoError(t, s.Reset(ctx, offers))
	rec, err = s.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 100, rec.Capacity)
	assert.Equal(t, 0, rec.Used)

	onDisk, err := capacity.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 100, onDisk["S1"].Capacity)
}

func TestDecodeSnapshot(t *testing.T) {
	t.Run("list form", func(t *testing.T) {
		recs, err := capacity.DecodeSnapshot([]byte(`[{"SupplierID":"A","Capacity":4,"Used":1}]`))
		require.NoError(t, err)
		assert.InDelta(t, 0.25, recs["A"].UsedPct, 0.001)
	})

	t.Run("used above capacity rejected", func(t *testing.T) {
		_, err := capacity.DecodeSnapshot([]byte(`{"A":{"Capacity":1,"Used":2}}`))
		assert.Error(t, err)
	})

	t.Run("key fills missing id", func(t *testing.T) {
		recs, err := capacity.DecodeSnapshot([]byte(`{"A":{"Capacity":3}}`))
		require.NoError(t, err)
		assert.Equal(t, "A", recs["A"].SupplierID)
	})
}

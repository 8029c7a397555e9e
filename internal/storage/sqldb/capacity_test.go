package sqldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/capacity/capacitytest"
	"github.com/tjfontaine/matchbench/internal/domain"
)

func TestCapacityLedger(t *testing.T) {
	capacitytest.Run(t, func(t *testing.T, offers []domain.Offer) capacity.Store {
		ledger := newTestStore(t).Capacity()
		require.NoError(t, ledger.Seed(context.Background(), offers))
		return ledger
	})
}

package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/dataset"
	"github.com/tjfontaine/matchbench/internal/domain"
)

// capacityStore returns the ledger for path, seeded with offers. File
// ledgers are keyed by path: asking for another path closes the open one.
func (r *Runtime) capacityStore(ctx context.Context, path string, offers []domain.Offer) (capacity.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity != nil && (r.capacityFixed || r.cfg.Storage.Type != "file" || r.capacityPath == path) {
		if err := r.capacity.Seed(ctx, offers); err != nil {
			return nil, fmt.Errorf("seed capacity: %w", err)
		}
		return r.capacity, nil
	}

	switch r.cfg.Storage.Type {
	case "file":
		if r.capacity != nil {
			if err := r.capacity.Close(); err != nil {
				r.logger.Warn("failed to close capacity snapshot",
					slog.String("path", r.capacityPath),
					slog.String("error", err.Error()))
			}
			r.capacity = nil
		}
		store, err := capacity.OpenFile(ctx, path, offers, r.logger)
		if err != nil {
			return nil, fmt.Errorf("open capacity snapshot: %w", err)
		}
		r.capacity, r.capacityPath = store, path
	default:
		r.capacity = capacity.NewMemoryStore(offers)
	}
	return r.capacity, nil
}

// openCapacity returns the ledger already in use, or opens the configured
// one seeded from run.offers when that is set.
func (r *Runtime) openCapacity(ctx context.Context) (capacity.Store, error) {
	r.mu.Lock()
	store := r.capacity
	r.mu.Unlock()
	if store != nil {
		return store, nil
	}

	var offers []domain.Offer
	if r.cfg.Run.Offers != "" {
		catalog, err := dataset.LoadOffers(r.cfg.Run.Offers)
		if err != nil {
			return nil, err
		}
		offers = catalog.Offers
	}
	return r.capacityStore(ctx, r.configuredCapacityPath(), offers)
}

// CapacitySnapshot returns every supplier's usage.
func (r *Runtime) CapacitySnapshot(ctx context.Context) ([]domain.CapacityRecord, error) {
	store, err := r.openCapacity(ctx)
	if err != nil {
		return nil, err
	}
	return store.Snapshot(ctx)
}

// ResetCapacity rebuilds the ledger from run.offers with nothing used.
func (r *Runtime) ResetCapacity(ctx context.Context) ([]domain.CapacityRecord, error) {
	if r.cfg.Run.Offers == "" {
		return nil, domain.ErrConfiguration("run.offers is required to reset capacity")
	}
	catalog, err := dataset.LoadOffers(r.cfg.Run.Offers)
	if err != nil {
		return nil, domain.ErrConfiguration(fmt.Sprintf("load offers: %v", err)).WithCause(err)
	}

	r.mu.Lock()
	path := r.capacityPath
	r.mu.Unlock()
	if path == "" {
		path = r.configuredCapacityPath()
	}

	store, err := r.capacityStore(ctx, path, catalog.Offers)
	if err != nil {
		return nil, err
	}
	if err := store.Reset(ctx, catalog.Offers); err != nil {
		return nil, fmt.Errorf("reset capacity: %w", err)
	}
	r.logger.Info("capacity reset", slog.Int("suppliers", len(catalog.Offers)))
	return store.Snapshot(ctx)
}

func (r *Runtime) configuredCapacityPath() string {
	return firstNonEmpty(r.cfg.Run.Capacity, r.defaultCapacityPath())
}

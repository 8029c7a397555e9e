package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/matchbench/internal/artifact"
	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
	"github.com/tjfontaine/matchbench/internal/pipeline"
)

// Hook names, also used as timing sections.
const (
	HookCapacityBefore = "capacity_update_before"
	HookOfferRefresh   = "offer_refresh"
	HookCapacityAfter  = "capacity_update"
	HookArtifactWrite  = "artifact_write"
)

// Outputs names the artifact files a run writes.
type Outputs struct {
	Matches string
	Orders  string
}

// capacityStage commits the record's match against the capacity ledger.
// Before a phase a rejected commit stops the phase; after a phase it is a
// warning that leaves the match unconfirmed.
func capacityStage(store capacity.Store, artifacts *artifact.BatchWriter, out Outputs, t pipeline.StageType, logger *slog.Logger) pipeline.Stage[*State] {
	name := HookCapacityAfter
	if t == pipeline.StagePre {
		name = HookCapacityBefore
	}
	return pipeline.FuncStage[*State]{
		StageName: name,
		StageType: t,
		Fn: func(ctx context.Context, st *State) (*pipeline.StageOutput, error) {
			rec := st.Record
			if rec.Match == nil || !rec.Match.Matched || rec.Committed || rec.Match.Status == domain.MatchUnconfirmed {
				return pipeline.Allow(), nil
			}
			defer rec.Timer.Start(name)()

			updated, err := store.TryConsume(ctx, rec.Match.SupplierID, 1)
			if err != nil {
				rec.Match.Status = domain.MatchUnconfirmed
				attrs := []any{
					slog.String("registration_id", rec.ID()),
					slog.String("phase", st.Phase.Name),
					slog.String("supplier_id", rec.Match.SupplierID),
					slog.String("error", err.Error()),
				}
				if derr := asDomain(err); derr != nil && derr.Kind == domain.KindCapacityExceeded {
					if cur, gerr := store.Get(ctx, rec.Match.SupplierID); gerr == nil {
						attrs = append(attrs, slog.Int("used", cur.Used), slog.Int("capacity", cur.Capacity))
					}
					logger.Warn("capacity exceeded, match unconfirmed", attrs...)
				} else {
					logger.Warn("capacity update failed, match unconfirmed", attrs...)
				}
				if rewriteErr := rewriteMatch(rec, artifacts, out); rewriteErr != nil {
					return nil, rewriteErr
				}
				if t == pipeline.StagePre {
					return pipeline.Deny(fmt.Sprintf("capacity for supplier %s could not be committed", rec.Match.SupplierID), err), nil
				}
				return pipeline.Warn(err), nil
			}

			rec.Committed = true
			rec.Match.Status = domain.MatchConfirmed
			logger.Info("capacity committed",
				slog.String("registration_id", rec.ID()),
				slog.String("supplier_id", updated.SupplierID),
				slog.Int("used", updated.Used),
				slog.Int("capacity", updated.Capacity))
			return pipeline.Allow(), rewriteMatch(rec, artifacts, out)
		},
	}
}

// offerRefreshStage shows agents the catalog with the ledger's current usage.
func offerRefreshStage(store capacity.Store, catalog *domain.Catalog) pipeline.Stage[*State] {
	return pipeline.FuncStage[*State]{
		StageName: HookOfferRefresh,
		StageType: pipeline.StagePre,
		Fn: func(ctx context.Context, st *State) (*pipeline.StageOutput, error) {
			defer st.Record.Timer.Start(HookOfferRefresh)()
			offers, err := RefreshOffers(ctx, store, catalog)
			if err != nil {
				return nil, err
			}
			st.Offers = offers
			return pipeline.Allow(), nil
		},
	}
}

// RefreshOffers returns every offer of catalog with its Used and UsedPct
// fields taken from the ledger.
func RefreshOffers(ctx context.Context, store capacity.Store, catalog *domain.Catalog) ([]json.RawMessage, error) {
	if catalog == nil {
		return nil, nil
	}
	usage := make(map[string]domain.CapacityRecord)
	if store != nil {
		snap, err := store.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("capacity snapshot: %w", err)
		}
		for _, r := range snap {
			usage[r.SupplierID] = r
		}
	}

	out := make([]json.RawMessage, 0, len(catalog.Offers))
	for _, o := range catalog.Offers {
		raw, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("encode offer %s: %w", o.SupplierID, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode offer %s: %w", o.SupplierID, err)
		}
		if rec, ok := usage[o.SupplierID]; ok {
			fields["Used"] = rec.Used
			fields["UsedPct"] = rec.UsedPct
		}
		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode offer %s: %w", o.SupplierID, err)
		}
		out = append(out, merged)
	}
	return out, nil
}

// artifactStage queues the phase outputs for the artifact files. Purchase
// orders are written only for a confirmed match.
func artifactStage(artifacts *artifact.BatchWriter, out Outputs, logger *slog.Logger) pipeline.Stage[*State] {
	return pipeline.FuncStage[*State]{
		StageName: HookArtifactWrite,
		StageType: pipeline.StagePost,
		Fn: func(ctx context.Context, st *State) (*pipeline.StageOutput, error) {
			if artifacts == nil {
				return pipeline.Allow(), nil
			}
			defer st.Record.Timer.Start(HookArtifactWrite)()
			rec := st.Record

			if st.Phase.Emits(payload.KindMatches) && rec.Match != nil {
				if err := writeMatch(rec, artifacts, out); err != nil {
					return nil, err
				}
			}
			if st.Phase.Emits(payload.KindPurchaseOrders) && rec.Order != nil {
				if !rec.Confirmed() {
					logger.Warn("purchase order not written for an unconfirmed match",
						slog.String("registration_id", rec.ID()),
						slog.String("phase", st.Phase.Name))
					return pipeline.Allow(), nil
				}
				raw, err := json.Marshal(rec.Order)
				if err != nil {
					return nil, fmt.Errorf("encode purchase order %s: %w", rec.ID(), err)
				}
				if err := artifacts.Append(out.Orders, raw); err != nil {
					return nil, fmt.Errorf("write purchase order %s: %w", rec.ID(), err)
				}
			}
			return pipeline.Allow(), nil
		},
	}
}

func writeMatch(rec *Record, artifacts *artifact.BatchWriter, out Outputs) error {
	raw, err := json.Marshal(rec.Match)
	if err != nil {
		return fmt.Errorf("encode match %s: %w", rec.ID(), err)
	}
	if err := artifacts.Append(out.Matches, raw); err != nil {
		return fmt.Errorf("write match %s: %w", rec.ID(), err)
	}
	rec.matchWritten = true
	return nil
}

// rewriteMatch refreshes a match already queued or written by an earlier
// phase after its status changed.
func rewriteMatch(rec *Record, artifacts *artifact.BatchWriter, out Outputs) error {
	if artifacts == nil || !rec.matchWritten {
		return nil
	}
	return writeMatch(rec, artifacts, out)
}

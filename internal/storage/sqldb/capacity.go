package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/matchbench/internal/capacity"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/storage/dialect"
)

// CapacityLedger is a capacity.Store backed by the capacity table. Each
// consumption is a single guarded UPDATE, so concurrent workers sharing the
// database can never push used past capacity.
type CapacityLedger struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ capacity.Store = (*CapacityLedger)(nil)

type capacityRow struct {
	SupplierID string `db:"supplier_id"`
	Capacity   int    `db:"capacity"`
	Used       int    `db:"used"`
}

func (r capacityRow) record() domain.CapacityRecord {
	return domain.CapacityRecord{
		SupplierID: r.SupplierID,
		Capacity:   r.Capacity,
		Used:       r.Used,
		UsedPct:    domain.UsedFraction(r.Used, r.Capacity),
	}
}

func (l *CapacityLedger) TryConsume(ctx context.Context, supplierID string, amount int) (domain.CapacityRecord, error) {
	if amount <= 0 {
		return domain.CapacityRecord{}, domain.ErrInvalidRequest(fmt.Sprintf("consume amount must be positive, got %d", amount))
	}
	return l.apply(ctx, supplierID,
		`UPDATE capacity SET used = used + ?, updated_at = ? WHERE supplier_id = ? AND used + ? <= capacity`,
		amount,
		func(rec domain.CapacityRecord) error {
			return domain.ErrCapacityExceeded(supplierID, rec.Used+amount, rec.Capacity)
		})
}

func (l *CapacityLedger) Release(ctx context.Context, supplierID string, amount int) (domain.CapacityRecord, error) {
	if amount <= 0 {
		return domain.CapacityRecord{}, domain.ErrInvalidRequest(fmt.Sprintf("release amount must be positive, got %d", amount))
	}
	return l.apply(ctx, supplierID,
		`UPDATE capacity SET used = used - ?, updated_at = ? WHERE supplier_id = ? AND used - ? >= 0`,
		amount,
		func(rec domain.CapacityRecord) error {
			return domain.ErrInvalidRequest(
				fmt.Sprintf("supplier %s release of %d exceeds used %d", supplierID, amount, rec.Used)).
				WithParam(supplierID)
		})
}

// apply runs a guarded update and reads the resulting row in one
// transaction. When the guard rejects the update, rejected builds the error
// from the unchanged row.
func (l *CapacityLedger) apply(ctx context.Context, supplierID, update string, amount int, rejected func(domain.CapacityRecord) error) (domain.CapacityRecord, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, l.dialect.Rebind(update), amount, time.Now().UTC(), supplierID, amount)
	if err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("failed to update capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("failed to update capacity: %w", err)
	}

	rec, err := l.get(ctx, tx, supplierID)
	if err != nil {
		return domain.CapacityRecord{}, err
	}
	if n == 0 {
		return rec, rejected(rec)
	}
	if err := tx.Commit(); err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("failed to commit capacity update: %w", err)
	}
	return rec, nil
}

func (l *CapacityLedger) Get(ctx context.Context, supplierID string) (domain.CapacityRecord, error) {
	return l.get(ctx, l.db, supplierID)
}

func (l *CapacityLedger) get(ctx context.Context, q sqlx.QueryerContext, supplierID string) (domain.CapacityRecord, error) {
	var row capacityRow
	err := sqlx.GetContext(ctx, q, &row, l.dialect.Rebind(`SELECT supplier_id, capacity, used FROM capacity WHERE supplier_id = ?`), supplierID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CapacityRecord{}, domain.ErrUnknownSupplier(supplierID)
	}
	if err != nil {
		return domain.CapacityRecord{}, fmt.Errorf("failed to read capacity: %w", err)
	}
	return row.record(), nil
}

func (l *CapacityLedger) Snapshot(ctx context.Context) ([]domain.CapacityRecord, error) {
	var rows []capacityRow
	if err := l.db.SelectContext(ctx, &rows, `SELECT supplier_id, capacity, used FROM capacity ORDER BY supplier_id ASC`); err != nil {
		return nil, fmt.Errorf("failed to read capacity: %w", err)
	}
	out := make([]domain.CapacityRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (l *CapacityLedger) Seed(ctx context.Context, offers []domain.Offer) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.insert(ctx, tx, offers); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *CapacityLedger) Reset(ctx context.Context, offers []domain.Offer) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM capacity`); err != nil {
		return fmt.Errorf("failed to clear capacity: %w", err)
	}
	if err := l.insert(ctx, tx, offers); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *CapacityLedger) insert(ctx context.Context, tx *sqlx.Tx, offers []domain.Offer) error {
	query := l.dialect.Rebind(`INSERT INTO capacity (supplier_id, capacity, used, updated_at) VALUES (?, ?, 0, ?) ` +
		l.dialect.OnConflict("supplier_id"))
	now := time.Now().UTC()
	for _, rec := range capacity.Sorted(capacity.FromOffers(offers)) {
		if _, err := tx.ExecContext(ctx, query, rec.SupplierID, rec.Capacity, now); err != nil {
			return fmt.Errorf("failed to seed capacity for %s: %w", rec.SupplierID, err)
		}
	}
	return nil
}

// Close is a no-op; the owning Store closes the connection.
func (l *CapacityLedger) Close() error { return nil }

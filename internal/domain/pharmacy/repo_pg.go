package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Batch Repository ===========

type batchRepoPG struct{ pool *pgxpool.Pool }

func NewBatchRepoPG(pool *pgxpool.Pool) BatchRepository { return &batchRepoPG{pool: pool} }

func (r *batchRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const batchCols = `id, drug_id, batch_number, quantity_received, quantity_remaining,
	expiry_date, unit_cost, received_at`

func scanBatch(row pgx.Row) (*DrugBatch, error) {
	var b DrugBatch
	err := row.Scan(&b.ID, &b.DrugID, &b.BatchNumber, &b.QuantityReceived, &b.QuantityRemaining,
		&b.ExpiryDate, &b.UnitCost, &b.ReceivedAt)
	return &b, err
}

func collectBatches(rows pgx.Rows) ([]*DrugBatch, error) {
	defer rows.Close()
	var out []*DrugBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *batchRepoPG) Create(ctx context.Context, b *DrugBatch) error {
	b.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO drug_batches (id, drug_id, batch_number, quantity_received, quantity_remaining,
			expiry_date, unit_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING received_at`,
		b.ID, b.DrugID, b.BatchNumber, b.QuantityReceived, b.QuantityRemaining,
		b.ExpiryDate, b.UnitCost).Scan(&b.ReceivedAt)
	if db.IsUniqueViolation(err, "") {
		return ErrDuplicateBatch
	}
	return err
}

func (r *batchRepoPG) getOne(ctx context.Context, sql string, args ...interface{}) (*DrugBatch, error) {
	b, err := scanBatch(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *batchRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DrugBatch, error) {
	return r.getOne(ctx, `SELECT `+batchCols+` FROM drug_batches WHERE id = $1`, id)
}

func (r *batchRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*DrugBatch, error) {
	return r.getOne(ctx, `SELECT `+batchCols+` FROM drug_batches WHERE id = $1 FOR UPDATE`, id)
}

func (r *batchRepoPG) LockByIDs(ctx context.Context, ids []uuid.UUID) ([]*DrugBatch, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM drug_batches
		WHERE id = ANY($1)
		ORDER BY drug_id, expiry_date, id
		FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock batches: %w", err)
	}
	return collectBatches(rows)
}

func (r *batchRepoPG) LockAvailable(ctx context.Context, drugID uuid.UUID, notBefore time.Time) ([]*DrugBatch, error) {
	var cutoff *time.Time
	if !notBefore.IsZero() {
		cutoff = &notBefore
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM drug_batches
		WHERE drug_id = $1 AND quantity_remaining > 0
		  AND ($2::date IS NULL OR expiry_date >= $2::date)
		ORDER BY expiry_date, id
		FOR UPDATE`, drugID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("lock batches for drug %s: %w", drugID, err)
	}
	return collectBatches(rows)
}

func (r *batchRepoPG) UpdateRemaining(ctx context.Context, id uuid.UUID, remaining int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE drug_batches SET quantity_remaining = $2 WHERE id = $1`, id, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *batchRepoPG) ListByDrug(ctx context.Context, drugID uuid.UUID) ([]*DrugBatch, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+batchCols+` FROM drug_batches
		WHERE drug_id = $1
		ORDER BY expiry_date, id`, drugID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// =========== Dispensing Repository ===========

type dispensingRepoPG struct{ pool *pgxpool.Pool }

func NewDispensingRepoPG(pool *pgxpool.Pool) DispensingRepository {
	return &dispensingRepoPG{pool: pool}
}

func (r *dispensingRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const dispCols = `id, invoice_id, invoice_item_id, patient_id, drug_id, batch_id,
	quantity, unit_price, dispensed_by, dispensed_at, reversed_at`

func collectDispensings(rows pgx.Rows) ([]*DrugDispensing, error) {
	defer rows.Close()
	var out []*DrugDispensing
	for rows.Next() {
		var d DrugDispensing
		if err := rows.Scan(&d.ID, &d.InvoiceID, &d.InvoiceItemID, &d.PatientID, &d.DrugID, &d.BatchID,
			&d.Quantity, &d.UnitPrice, &d.DispensedBy, &d.DispensedAt, &d.ReversedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *dispensingRepoPG) Create(ctx context.Context, d *DrugDispensing) error {
	d.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO drug_dispensings (id, invoice_id, invoice_item_id, patient_id, drug_id, batch_id,
			quantity, unit_price, dispensed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING dispensed_at`,
		d.ID, d.InvoiceID, d.InvoiceItemID, d.PatientID, d.DrugID, d.BatchID,
		d.Quantity, d.UnitPrice, d.DispensedBy).Scan(&d.DispensedAt)
}

func (r *dispensingRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*DrugDispensing, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+dispCols+` FROM drug_dispensings
		WHERE invoice_id = $1
		ORDER BY dispensed_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	return collectDispensings(rows)
}

func (r *dispensingRepoPG) LockOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*DrugDispensing, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+dispCols+` FROM drug_dispensings
		WHERE invoice_id = $1 AND reversed_at IS NULL
		ORDER BY id
		FOR UPDATE`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("lock dispensings: %w", err)
	}
	return collectDispensings(rows)
}

func (r *dispensingRepoPG) MarkReversed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE drug_dispensings SET reversed_at = $2
		WHERE id = $1 AND reversed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

func (r *dispensingRepoPG) OpenQuantityByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM drug_dispensings
		WHERE batch_id = $1 AND reversed_at IS NULL`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("open quantity for batch %s: %w", batchID, err)
	}
	return n, nil
}

// =========== Adjustment Repository ===========

type adjustmentRepoPG struct{ pool *pgxpool.Pool }

func NewAdjustmentRepoPG(pool *pgxpool.Pool) AdjustmentRepository {
	return &adjustmentRepoPG{pool: pool}
}

func (r *adjustmentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *adjustmentRepoPG) Create(ctx context.Context, a *StockAdjustment) error {
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_adjustments (id, batch_id, drug_id, quantity_delta, reason, note,
			adjusted_by, invoice_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		a.ID, a.BatchID, a.DrugID, a.QuantityDelta, a.Reason, a.Note,
		a.AdjustedBy, a.InvoiceID).Scan(&a.CreatedAt)
}

func (r *adjustmentRepoPG) ListByDrug(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM stock_adjustments WHERE drug_id = $1`, drugID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, batch_id, drug_id, quantity_delta, reason, note, adjusted_by, invoice_id, created_at
		FROM stock_adjustments
		WHERE drug_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, drugID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*StockAdjustment
	for rows.Next() {
		var a StockAdjustment
		if err := rows.Scan(&a.ID, &a.BatchID, &a.DrugID, &a.QuantityDelta, &a.Reason, &a.Note,
			&a.AdjustedBy, &a.InvoiceID, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

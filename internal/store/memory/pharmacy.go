package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/pkg/pagination"
)

type batchRepo struct{ s *Store }

func (r batchRepo) Create(ctx context.Context, b *pharmacy.DrugBatch) error {
	return r.s.do(ctx, func(st *state) error {
		for _, row := range st.batches {
			if row.DrugID == b.DrugID && row.BatchNumber == b.BatchNumber {
				return pharmacy.ErrDuplicateBatch
			}
		}
		b.ID = uuid.New()
		if b.ReceivedAt.IsZero() {
			b.ReceivedAt = time.Now().UTC()
		}
		st.batches[b.ID] = *b
		return nil
	})
}

func (r batchRepo) GetByID(ctx context.Context, id uuid.UUID) (*pharmacy.DrugBatch, error) {
	var out *pharmacy.DrugBatch
	err := r.s.do(ctx, func(st *state) error {
		row, ok := st.batches[id]
		if !ok {
			return pharmacy.ErrNotFound
		}
		out = &row
		return nil
	})
	return out, err
}

func (r batchRepo) LockByID(ctx context.Context, id uuid.UUID) (*pharmacy.DrugBatch, error) {
	return r.GetByID(ctx, id)
}

func (r batchRepo) LockByIDs(ctx context.Context, ids []uuid.UUID) ([]*pharmacy.DrugBatch, error) {
	var out []*pharmacy.DrugBatch
	err := r.s.do(ctx, func(st *state) error {
		for _, id := range ids {
			if row, ok := st.batches[id]; ok {
				out = append(out, &row)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].DrugID != out[j].DrugID {
			return out[i].DrugID.String() < out[j].DrugID.String()
		}
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

func (r batchRepo) LockAvailable(ctx context.Context, drugID uuid.UUID, notBefore time.Time) ([]*pharmacy.DrugBatch, error) {
	var out []*pharmacy.DrugBatch
	err := r.s.do(ctx, func(st *state) error {
		for _, row := range st.batches {
			if row.DrugID != drugID || row.QuantityRemaining <= 0 {
				continue
			}
			if !notBefore.IsZero() && row.ExpiryDate.Before(notBefore) {
				continue
			}
			row := row
			out = append(out, &row)
		}
		return nil
	})
	sortFEFO(out)
	return out, err
}

func (r batchRepo) UpdateRemaining(ctx context.Context, id uuid.UUID, remaining int) error {
	return r.s.do(ctx, func(st *state) error {
		row, ok := st.batches[id]
		if !ok {
			return pharmacy.ErrNotFound
		}
		// Mirrors the drug_batches_remaining_range check constraint.
		if remaining < 0 || remaining > row.QuantityReceived {
			return errRemainingRange
		}
		row.QuantityRemaining = remaining
		st.batches[id] = row
		return nil
	})
}

func (r batchRepo) ListByDrug(ctx context.Context, drugID uuid.UUID) ([]*pharmacy.DrugBatch, error) {
	var out []*pharmacy.DrugBatch
	err := r.s.do(ctx, func(st *state) error {
		for _, row := range st.batches {
			if row.DrugID == drugID {
				row := row
				out = append(out, &row)
			}
		}
		return nil
	})
	sortFEFO(out)
	return out, err
}

func sortFEFO(batches []*pharmacy.DrugBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
		}
		return batches[i].ID.String() < batches[j].ID.String()
	})
}

type dispensingRepo struct{ s *Store }

func (r dispensingRepo) Create(ctx context.Context, d *pharmacy.DrugDispensing) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.batches[d.BatchID]; !ok {
			return pharmacy.ErrNotFound
		}
		d.ID = uuid.New()
		d.DispensedAt = time.Now().UTC()
		st.dispensings[d.ID] = *d
		return nil
	})
}

func (r dispensingRepo) byInvoice(st *state, invoiceID uuid.UUID, openOnly bool) []*pharmacy.DrugDispensing {
	var out []*pharmacy.DrugDispensing
	for _, row := range st.dispensings {
		if row.InvoiceID != invoiceID || (openOnly && row.ReversedAt != nil) {
			continue
		}
		row := row
		out = append(out, &row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispensedAt.Equal(out[j].DispensedAt) {
			return out[i].DispensedAt.Before(out[j].DispensedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r dispensingRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*pharmacy.DrugDispensing, error) {
	var out []*pharmacy.DrugDispensing
	err := r.s.do(ctx, func(st *state) error {
		out = r.byInvoice(st, invoiceID, false)
		return nil
	})
	return out, err
}

func (r dispensingRepo) LockOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*pharmacy.DrugDispensing, error) {
	var out []*pharmacy.DrugDispensing
	err := r.s.do(ctx, func(st *state) error {
		out = r.byInvoice(st, invoiceID, true)
		return nil
	})
	return out, err
}

func (r dispensingRepo) MarkReversed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		row, ok := st.dispensings[id]
		if !ok {
			return pharmacy.ErrNotFound
		}
		if row.ReversedAt != nil {
			return pharmacy.ErrAlreadyReversed
		}
		row.ReversedAt = &at
		st.dispensings[id] = row
		return nil
	})
}

func (r dispensingRepo) OpenQuantityByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	var n int
	err := r.s.do(ctx, func(st *state) error {
		for _, row := range st.dispensings {
			if row.BatchID == batchID && row.ReversedAt == nil {
				n += row.Quantity
			}
		}
		return nil
	})
	return n, err
}

type adjustmentRepo struct{ s *Store }

func (r adjustmentRepo) Create(ctx context.Context, a *pharmacy.StockAdjustment) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.batches[a.BatchID]; !ok {
			return pharmacy.ErrNotFound
		}
		a.ID = uuid.New()
		a.CreatedAt = time.Now().UTC()
		st.adjustments = append(st.adjustments, *a)
		return nil
	})
}

// ListByDrug returns the newest adjustments first.
func (r adjustmentRepo) ListByDrug(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*pharmacy.StockAdjustment, int, error) {
	var all []*pharmacy.StockAdjustment
	err := r.s.do(ctx, func(st *state) error {
		for i := len(st.adjustments) - 1; i >= 0; i-- {
			if st.adjustments[i].DrugID == drugID {
				row := st.adjustments[i]
				all = append(all, &row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return pagination.Page(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/pkg/pagination"
)

type invoiceRepo struct{ s *Store }

func (r invoiceRepo) NextNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.do(ctx, func(st *state) error {
		st.invoiceSeq++
		n = st.invoiceSeq
		return nil
	})
	return n, err
}

func (r invoiceRepo) Create(ctx context.Context, inv *billing.Invoice) error {
	return r.s.do(ctx, func(st *state) error {
		inv.ID = uuid.New()
		now := time.Now().UTC()
		inv.CreatedAt, inv.UpdatedAt = now, now
		row := *inv
		row.Items = nil
		st.invoices[inv.ID] = row
		return nil
	})
}

func (r invoiceRepo) CreateItem(ctx context.Context, item *billing.InvoiceItem) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.invoices[item.InvoiceID]; !ok {
			return billing.ErrNotFound
		}
		item.ID = uuid.New()
		st.items[item.InvoiceID] = append(st.items[item.InvoiceID], *item)
		return nil
	})
}

func (r invoiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	var out *billing.Invoice
	err := r.s.do(ctx, func(st *state) error {
		row, ok := st.invoices[id]
		if !ok {
			return billing.ErrNotFound
		}
		out = &row
		return nil
	})
	return out, err
}

// LockByID is GetByID: the store lock already excludes other writers.
func (r invoiceRepo) LockByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	return r.GetByID(ctx, id)
}

func (r invoiceRepo) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*billing.InvoiceItem, error) {
	var out []*billing.InvoiceItem
	err := r.s.do(ctx, func(st *state) error {
		for _, it := range st.items[invoiceID] {
			it := it
			out = append(out, &it)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, err
}

func (r invoiceRepo) Update(ctx context.Context, inv *billing.Invoice) error {
	return r.s.do(ctx, func(st *state) error {
		row, ok := st.invoices[inv.ID]
		if !ok {
			return billing.ErrNotFound
		}
		row.PaidAmount = inv.PaidAmount
		row.Balance = inv.Balance
		row.Status = inv.Status
		row.VoidedBy = inv.VoidedBy
		row.VoidedAt = inv.VoidedAt
		row.VoidReason = inv.VoidReason
		row.UpdatedAt = time.Now().UTC()
		inv.UpdatedAt = row.UpdatedAt
		st.invoices[inv.ID] = row
		return nil
	})
}

func (r invoiceRepo) List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*billing.Invoice, int, error) {
	var all []*billing.Invoice
	err := r.s.do(ctx, func(st *state) error {
		for _, row := range st.invoices {
			if patientID != nil && row.PatientID != *patientID {
				continue
			}
			row := row
			all = append(all, &row)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].InvoiceNumber > all[j].InvoiceNumber
	})
	return pagination.Page(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) NextNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.s.do(ctx, func(st *state) error {
		st.paymentSeq++
		n = st.paymentSeq
		return nil
	})
	return n, err
}

func (r paymentRepo) Create(ctx context.Context, p *billing.Payment) error {
	return r.s.do(ctx, func(st *state) error {
		if _, ok := st.invoices[p.InvoiceID]; !ok {
			return billing.ErrNotFound
		}
		p.ID = uuid.New()
		p.CreatedAt = time.Now().UTC()
		st.payments[p.ID] = *p
		return nil
	})
}

func (r paymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*billing.Payment, error) {
	var out *billing.Payment
	err := r.s.do(ctx, func(st *state) error {
		row, ok := st.payments[id]
		if !ok {
			return billing.ErrNotFound
		}
		out = &row
		return nil
	})
	return out, err
}

func (r paymentRepo) LockByID(ctx context.Context, id uuid.UUID) (*billing.Payment, error) {
	return r.GetByID(ctx, id)
}

func (r paymentRepo) Update(ctx context.Context, p *billing.Payment) error {
	return r.s.do(ctx, func(st *state) error {
		row, ok := st.payments[p.ID]
		if !ok {
			return billing.ErrNotFound
		}
		row.VoidedBy = p.VoidedBy
		row.VoidedAt = p.VoidedAt
		row.VoidReason = p.VoidReason
		st.payments[p.ID] = row
		return nil
	})
}

func (r paymentRepo) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*billing.Payment, error) {
	var out []*billing.Payment
	err := r.s.do(ctx, func(st *state) error {
		for _, row := range st.payments {
			if row.InvoiceID == invoiceID {
				row := row
				out = append(out, &row)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentNumber < out[j].PaymentNumber })
	return out, err
}

// Package memory is an in-process implementation of the billing and
// pharmacy repositories. Units of work are serialized by one store-wide
// mutex and restored from a snapshot when they fail, so a failed call
// leaves no trace just as a rolled back Postgres transaction would.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/pharmacy"
)

type state struct {
	invoices    map[uuid.UUID]billing.Invoice
	items       map[uuid.UUID][]billing.InvoiceItem
	payments    map[uuid.UUID]billing.Payment
	batches     map[uuid.UUID]pharmacy.DrugBatch
	dispensings map[uuid.UUID]pharmacy.DrugDispensing
	adjustments []pharmacy.StockAdjustment
	invoiceSeq  int64
	paymentSeq  int64
}

func newState() *state {
	return &state{
		invoices:    make(map[uuid.UUID]billing.Invoice),
		items:       make(map[uuid.UUID][]billing.InvoiceItem),
		payments:    make(map[uuid.UUID]billing.Payment),
		batches:     make(map[uuid.UUID]pharmacy.DrugBatch),
		dispensings: make(map[uuid.UUID]pharmacy.DrugDispensing),
	}
}

// clone copies every row. Rows are stored by value and pointer fields are
// replaced, never written through, so a shallow copy per row is enough.
func (st *state) clone() *state {
	c := &state{
		invoices:    make(map[uuid.UUID]billing.Invoice, len(st.invoices)),
		items:       make(map[uuid.UUID][]billing.InvoiceItem, len(st.items)),
		payments:    make(map[uuid.UUID]billing.Payment, len(st.payments)),
		batches:     make(map[uuid.UUID]pharmacy.DrugBatch, len(st.batches)),
		dispensings: make(map[uuid.UUID]pharmacy.DrugDispensing, len(st.dispensings)),
		adjustments: append([]pharmacy.StockAdjustment(nil), st.adjustments...),
		invoiceSeq:  st.invoiceSeq,
		paymentSeq:  st.paymentSeq,
	}
	for k, v := range st.invoices {
		c.invoices[k] = v
	}
	for k, v := range st.items {
		c.items[k] = append([]billing.InvoiceItem(nil), v...)
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.batches {
		c.batches[k] = v
	}
	for k, v := range st.dispensings {
		c.dispensings[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// WithinTx runs fn while holding the store lock. A nested call joins the
// outer unit of work. If fn fails every change it made is discarded.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// do runs fn against the current state, taking the lock unless ctx is
// already inside one of this store's units of work.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) Invoices() billing.InvoiceRepository { return invoiceRepo{s} }
func (s *Store) Payments() billing.PaymentRepository { return paymentRepo{s} }
func (s *Store) Batches() pharmacy.BatchRepository { return batchRepo{s} }
func (s *Store) Dispensings() pharmacy.DispensingRepository { return dispensingRepo{s} }
func (s *Store) Adjustments() pharmacy.AdjustmentRepository { return adjustmentRepo{s} }

var errRemainingRange = errors.New("quantity_remaining outside 0..quantity_received")

package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/catalog"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/audit"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/idempotency"
	"github.com/hms/hms/internal/store/memory"
)

// today is fixed so batch expiries in the tests stay in the future.
var today = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingRecorder) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	store    *memory.Store
	catalog  *catalog.Static
	ledger   *pharmacy.Ledger
	svc      *billing.Service
	recorder *recordingRecorder
	ctx      context.Context
}

func newFixture(t *testing.T, policy billing.Policy) *fixture {
	t.Helper()
	store := memory.New()
	cat := catalog.NewStatic()
	rec := &recordingRecorder{}
	ledger := pharmacy.NewLedger(store.Batches(), store.Dispensings(), store.Adjustments(), store, cat, rec)
	ledger.SetClock(func() time.Time { return today })
	arena := idempotency.NewArena(idempotency.NewMemoryStore(), time.Hour)
	svc := billing.NewService(store.Invoices(), store.Payments(), ledger, cat, store, arena, rec, policy)

	return &fixture{
		store:    store,
		catalog:  cat,
		ledger:   ledger,
		svc:      svc,
		recorder: rec,
		ctx:      auth.ContextWithUser(context.Background(), "cashier-7", []string{auth.RoleCashier}),
	}
}

func (f *fixture) drug(name, price string) uuid.UUID {
	return f.catalog.Put(catalog.Entry{
		Type:      catalog.ItemDrug,
		Name:      name,
		UnitPrice: decimal.RequireFromString(price),
		Active:    true,
	}).ID
}

func (f *fixture) receive(t *testing.T, drugID uuid.UUID, number string, qty int, expiry string) *pharmacy.DrugBatch {
	t.Helper()
	exp, err := time.Parse(time.DateOnly, expiry)
	require.NoError(t, err)
	b, err := f.ledger.ReceiveBatch(f.ctx, pharmacy.ReceiveRequest{
		DrugID:      drugID,
		BatchNumber: number,
		Quantity:    qty,
		ExpiryDate:  exp,
		UnitCost:    decimal.RequireFromString("1.00"),
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) remaining(t *testing.T, batchID uuid.UUID) int {
	t.Helper()
	b, err := f.ledger.GetBatch(f.ctx, batchID)
	require.NoError(t, err)
	return b.QuantityRemaining
}

func (f *fixture) invoiceCount(t *testing.T) int {
	t.Helper()
	_, total, err := f.svc.ListInvoices(f.ctx, nil, 100, 0)
	require.NoError(t, err)
	return total
}

// serviceInvoice creates an invoice with one priced service line.
func (f *fixture) serviceInvoice(t *testing.T, amount string) *billing.Invoice {
	t.Helper()
	inv, _, err := f.svc.CreateInvoice(f.ctx, billing.CreateInvoiceRequest{
		PatientID: uuid.New(),
		Items: []billing.ItemRequest{
			{ItemType: catalog.ItemService, ItemName: "Surgery", Quantity: 1, UnitPrice: dec(amount)},
		},
	})
	require.NoError(t, err)
	return inv
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func ref(id uuid.UUID) *uuid.UUID { return &id }

func requireMoney(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	require.Equal(t, want, got.StringFixed(2), field)
}

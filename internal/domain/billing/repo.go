package billing

import (
	"context"

	"github.com/google/uuid"
)

// InvoiceRepository persists invoices and their items. LockByID holds a row
// lock until the surrounding transaction ends.
type InvoiceRepository interface {
	NextNumber(ctx context.Context) (int64, error)
	Create(ctx context.Context, inv *Invoice) error
	CreateItem(ctx context.Context, item *InvoiceItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	LockByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*InvoiceItem, error)
	Update(ctx context.Context, inv *Invoice) error
	List(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Invoice, int, error)
}

type PaymentRepository interface {
	NextNumber(ctx context.Context) (int64, error)
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	LockByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

// Transactor runs fn as one unit of work. Nested calls join the outer one.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

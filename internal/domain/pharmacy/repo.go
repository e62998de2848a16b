package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BatchRepository persists drug batches. The Lock methods take row locks
// that are held until the surrounding transaction ends.
type BatchRepository interface {
	Create(ctx context.Context, b *DrugBatch) error
	GetByID(ctx context.Context, id uuid.UUID) (*DrugBatch, error)
	LockByID(ctx context.Context, id uuid.UUID) (*DrugBatch, error)
	// LockByIDs locks the given batches ordered by drug_id, expiry_date, id.
	LockByIDs(ctx context.Context, ids []uuid.UUID) ([]*DrugBatch, error)
	// LockAvailable locks the drug's batches that have stock left, ordered
	// by expiry_date then id. A non-zero notBefore also leaves out batches
	// that expire before it.
	LockAvailable(ctx context.Context, drugID uuid.UUID, notBefore time.Time) ([]*DrugBatch, error)
	UpdateRemaining(ctx context.Context, id uuid.UUID, remaining int) error
	ListByDrug(ctx context.Context, drugID uuid.UUID) ([]*DrugBatch, error)
}

type DispensingRepository interface {
	Create(ctx context.Context, d *DrugDispensing) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*DrugDispensing, error)
	// LockOpenByInvoice locks the invoice's dispensings that are not reversed.
	LockOpenByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*DrugDispensing, error)
	MarkReversed(ctx context.Context, id uuid.UUID, at time.Time) error
	// OpenQuantityByBatch sums the units of unreversed dispensings drawn
	// from a batch.
	OpenQuantityByBatch(ctx context.Context, batchID uuid.UUID) (int, error)
}

type AdjustmentRepository interface {
	Create(ctx context.Context, a *StockAdjustment) error
	ListByDrug(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error)
}

// Transactor runs fn as one unit of work. Nested calls join the outer one.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

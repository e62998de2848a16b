package pharmacy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DrugBatch maps to the drug_batches table.
type DrugBatch struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	DrugID            uuid.UUID       `db:"drug_id" json:"drug_id"`
	BatchNumber       string          `db:"batch_number" json:"batch_number"`
	QuantityReceived  int             `db:"quantity_received" json:"quantity_received"`
	QuantityRemaining int             `db:"quantity_remaining" json:"quantity_remaining"`
	ExpiryDate        time.Time       `db:"expiry_date" json:"expiry_date"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	ReceivedAt        time.Time       `db:"received_at" json:"received_at"`
}

// ExpiredOn reports whether the batch is past its expiry on day.
func (b *DrugBatch) ExpiredOn(day time.Time) bool {
	return b.ExpiryDate.Before(truncateDay(day))
}

// DrugDispensing maps to the drug_dispensings table. One row per batch
// consumed for one invoice line.
type DrugDispensing struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	InvoiceID     uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	InvoiceItemID uuid.UUID       `db:"invoice_item_id" json:"invoice_item_id"`
	PatientID     uuid.UUID       `db:"patient_id" json:"patient_id"`
	DrugID        uuid.UUID       `db:"drug_id" json:"drug_id"`
	BatchID       uuid.UUID       `db:"batch_id" json:"batch_id"`
	Quantity      int             `db:"quantity" json:"quantity"`
	UnitPrice     decimal.Decimal `db:"unit_price" json:"unit_price"`
	DispensedBy   string          `db:"dispensed_by" json:"dispensed_by"`
	DispensedAt   time.Time       `db:"dispensed_at" json:"dispensed_at"`
	ReversedAt    *time.Time      `db:"reversed_at" json:"reversed_at,omitempty"`
}

type AdjustmentReason string

const (
	ReasonReceipt        AdjustmentReason = "receipt"
	ReasonCorrection     AdjustmentReason = "correction"
	ReasonReversal       AdjustmentReason = "reversal"
	ReasonExpiryWriteoff AdjustmentReason = "expiry_writeoff"
)

// StockAdjustment maps to the stock_adjustments table.
type StockAdjustment struct {
	ID            uuid.UUID        `db:"id" json:"id"`
	BatchID       uuid.UUID        `db:"batch_id" json:"batch_id"`
	DrugID        uuid.UUID        `db:"drug_id" json:"drug_id"`
	QuantityDelta int              `db:"quantity_delta" json:"quantity_delta"`
	Reason        AdjustmentReason `db:"reason" json:"reason"`
	Note          *string          `db:"note" json:"note,omitempty"`
	AdjustedBy    string           `db:"adjusted_by" json:"adjusted_by"`
	InvoiceID     *uuid.UUID       `db:"invoice_id" json:"invoice_id,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
}

// StockLevel summarises a drug's batches.
type StockLevel struct {
	DrugID         uuid.UUID  `json:"drug_id"`
	Available      int        `json:"available"`
	Expired        int        `json:"expired"`
	Batches        int        `json:"batches"`
	EarliestExpiry *time.Time `json:"earliest_expiry,omitempty"`
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

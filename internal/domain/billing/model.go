package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/catalog"
)

type InvoiceStatus string

const (
	StatusPending       InvoiceStatus = "pending"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
	StatusVoid          InvoiceStatus = "void"
)

// Invoice maps to the invoices table. Invoices are never deleted; void is
// the terminal status.
type Invoice struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	InvoiceNumber  string          `db:"invoice_number" json:"invoice_number"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	VisitID        *uuid.UUID      `db:"visit_id" json:"visit_id,omitempty"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxAmount      decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	Balance        decimal.Decimal `db:"balance" json:"balance"`
	Status         InvoiceStatus   `db:"status" json:"status"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedBy      string          `db:"created_by" json:"created_by"`
	VoidedBy       *string         `db:"voided_by" json:"voided_by,omitempty"`
	VoidedAt       *time.Time      `db:"voided_at" json:"voided_at,omitempty"`
	VoidReason     *string         `db:"void_reason" json:"void_reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`

	Items []*InvoiceItem `db:"-" json:"items,omitempty"`
}

// InvoiceItem maps to the invoice_items table. Items are immutable.
type InvoiceItem struct {
	ID          uuid.UUID        `db:"id" json:"id"`
	InvoiceID   uuid.UUID        `db:"invoice_id" json:"invoice_id"`
	LineNo      int              `db:"line_no" json:"line_no"`
	ItemType    catalog.ItemType `db:"item_type" json:"item_type"`
	ReferenceID *uuid.UUID       `db:"reference_id" json:"reference_id,omitempty"`
	ItemName    string           `db:"item_name" json:"item_name"`
	Quantity    int              `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal  `db:"unit_price" json:"unit_price"`
	TotalPrice  decimal.Decimal  `db:"total_price" json:"total_price"`
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodInsurance    PaymentMethod = "insurance"
	MethodCheque       PaymentMethod = "cheque"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodBankTransfer, MethodMobileMoney, MethodInsurance, MethodCheque:
		return true
	}
	return false
}

// Payment maps to the payments table.
type Payment struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PaymentNumber   string          `db:"payment_number" json:"payment_number"`
	InvoiceID       uuid.UUID       `db:"invoice_id" json:"invoice_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Method          PaymentMethod   `db:"method" json:"method"`
	ReferenceNumber *string         `db:"reference_number" json:"reference_number,omitempty"`
	ReceivedBy      string          `db:"received_by" json:"received_by"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	VoidedBy        *string         `db:"voided_by" json:"voided_by,omitempty"`
	VoidedAt        *time.Time      `db:"voided_at" json:"voided_at,omitempty"`
	VoidReason      *string         `db:"void_reason" json:"void_reason,omitempty"`
}

func (p *Payment) IsVoid() bool { return p.VoidedAt != nil }

// VoidScope selects what an invoice void undoes.
type VoidScope string

const (
	// ScopeFinancial only retires the invoice; dispensed stock stays out.
	ScopeFinancial VoidScope = "financial"
	// ScopeFinancialAndInventory also returns dispensed stock to its batches.
	ScopeFinancialAndInventory VoidScope = "financial_and_inventory"
)

func (s VoidScope) Valid() bool {
	return s == ScopeFinancial || s == ScopeFinancialAndInventory
}

// money rounds half away from zero to cents.
func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// totals computes subtotal and total for a set of priced items.
// total = max(0, subtotal + tax - discount).
func totals(items []*InvoiceItem, tax, discount decimal.Decimal) (subtotal, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.TotalPrice)
	}
	subtotal = money(subtotal)
	total = money(subtotal.Add(tax).Sub(discount))
	if total.IsNegative() {
		total = decimal.Zero
	}
	return subtotal, total
}

// settle recomputes balance and status from paid_amount. A void invoice
// keeps its status.
func (inv *Invoice) settle() {
	inv.Balance = money(inv.TotalAmount.Sub(inv.PaidAmount))
	if inv.Status == StatusVoid {
		return
	}
	switch {
	case inv.PaidAmount.IsPositive() && !inv.Balance.IsPositive():
		inv.Status = StatusPaid
	case inv.PaidAmount.IsPositive():
		inv.Status = StatusPartiallyPaid
	default:
		inv.Status = StatusPending
	}
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/catalog"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/platform/audit"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/idempotency"
)

type OverpaymentPolicy string

const (
	// OverpaymentReject refuses any payment above the balance.
	OverpaymentReject OverpaymentPolicy = "reject"
	// OverpaymentCap accepts the payment but records only the balance.
	OverpaymentCap OverpaymentPolicy = "cap"
)

type PricingPolicy string

const (
	// PricingCaller trusts a caller-supplied unit price and resolves it from
	// the catalog only when absent.
	PricingCaller PricingPolicy = "caller"
	// PricingCatalog always bills at the catalog price.
	PricingCatalog PricingPolicy = "catalog"
)

type Policy struct {
	Overpayment OverpaymentPolicy
	Pricing     PricingPolicy
}

type Service struct {
	invoices InvoiceRepository
	payments PaymentRepository
	ledger   *pharmacy.Ledger
	catalog  catalog.Lookup
	tx       Transactor
	arena    *idempotency.Arena
	recorder audit.Recorder
	policy   Policy
	nowFunc  func() time.Time
}

func NewService(inv InvoiceRepository, pay PaymentRepository, ledger *pharmacy.Ledger, cat catalog.Lookup,
	tx Transactor, arena *idempotency.Arena, rec audit.Recorder, policy Policy) *Service {
	if rec == nil {
		rec = audit.Nop
	}
	if policy.Overpayment == "" {
		policy.Overpayment = OverpaymentReject
	}
	if policy.Pricing == "" {
		policy.Pricing = PricingCaller
	}
	return &Service{
		invoices: inv,
		payments: pay,
		ledger:   ledger,
		catalog:  cat,
		tx:       tx,
		arena:    arena,
		recorder: rec,
		policy:   policy,
		nowFunc:  time.Now,
	}
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) now() time.Time { return s.nowFunc().UTC() }

func actorFrom(ctx context.Context) (string, error) {
	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		return "", invalid("actor", "an authenticated user is required")
	}
	return actor, nil
}

// -- Invoice Builder --

type ItemRequest struct {
	ItemType    catalog.ItemType `json:"item_type"`
	ReferenceID *uuid.UUID       `json:"reference_id,omitempty"`
	ItemName    string           `json:"item_name"`
	Quantity    int              `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
}

type CreateInvoiceRequest struct {
	PatientID      uuid.UUID        `json:"patient_id"`
	VisitID        *uuid.UUID       `json:"visit_id,omitempty"`
	Items          []ItemRequest    `json:"items"`
	TaxAmount      *decimal.Decimal `json:"tax_amount,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

func (r *CreateInvoiceRequest) validate() error {
	if r.PatientID == uuid.Nil {
		return invalid("patient_id", "is required")
	}
	if len(r.Items) == 0 {
		return invalid("items", "at least one item is required")
	}
	for i, it := range r.Items {
		field := fmt.Sprintf("items[%d]", i)
		if !it.ItemType.Valid() {
			return invalid(field+".item_type", "must be drug, test or service, got %q", it.ItemType)
		}
		if it.Quantity <= 0 {
			return invalid(field+".quantity", "must be positive, got %d", it.Quantity)
		}
		if it.UnitPrice != nil && it.UnitPrice.IsNegative() {
			return invalid(field+".unit_price", "must not be negative")
		}
		if it.ReferenceID == nil {
			if strings.TrimSpace(it.ItemName) == "" {
				return invalid(field+".item_name", "is required")
			}
			if it.UnitPrice == nil {
				return invalid(field+".unit_price", "is required when reference_id is absent")
			}
		} else if *it.ReferenceID == uuid.Nil {
			return invalid(field+".reference_id", "must not be the nil uuid")
		}
	}
	if r.TaxAmount != nil && r.TaxAmount.IsNegative() {
		return invalid("tax_amount", "must not be negative")
	}
	if r.DiscountAmount != nil && r.DiscountAmount.IsNegative() {
		return invalid("discount_amount", "must not be negative")
	}
	if len(r.IdempotencyKey) > idempotency.MaxKeyLength {
		return invalid("idempotency_key", "must be at most %d characters", idempotency.MaxKeyLength)
	}
	return nil
}

// fingerprint identifies the request content independent of the token and
// of how amounts were spelled.
func (r *CreateInvoiceRequest) fingerprint(actor string) (string, error) {
	type line struct {
		Type  catalog.ItemType `json:"t"`
		Ref   string           `json:"r"`
		Name  string           `json:"n"`
		Qty   int              `json:"q"`
		Price string           `json:"p"`
	}
	canon := struct {
		Actor    string `json:"a"`
		Patient  string `json:"pt"`
		Visit    string `json:"v"`
		Lines    []line `json:"l"`
		Tax      string `json:"tx"`
		Discount string `json:"d"`
		Notes    string `json:"no"`
	}{
		Actor:    actor,
		Patient:  r.PatientID.String(),
		Tax:      optMoney(r.TaxAmount),
		Discount: optMoney(r.DiscountAmount),
	}
	if r.VisitID != nil {
		canon.Visit = r.VisitID.String()
	}
	if r.Notes != nil {
		canon.Notes = *r.Notes
	}
	for _, it := range r.Items {
		l := line{Type: it.ItemType, Name: strings.TrimSpace(it.ItemName), Qty: it.Quantity, Price: optMoney(it.UnitPrice)}
		if it.ReferenceID != nil {
			l.Ref = it.ReferenceID.String()
		}
		canon.Lines = append(canon.Lines, l)
	}
	return idempotency.Fingerprint(canon)
}

func optMoney(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return money(*d).StringFixed(2)
}

// priceItems resolves every line against the catalog and returns the items
// ready to insert.
func (s *Service) priceItems(ctx context.Context, reqs []ItemRequest) ([]*InvoiceItem, error) {
	items := make([]*InvoiceItem, 0, len(reqs))
	for i, r := range reqs {
		item := &InvoiceItem{
			LineNo:      i + 1,
			ItemType:    r.ItemType,
			ReferenceID: r.ReferenceID,
			ItemName:    strings.TrimSpace(r.ItemName),
			Quantity:    r.Quantity,
		}
		if r.UnitPrice != nil {
			item.UnitPrice = money(*r.UnitPrice)
		}

		if r.ReferenceID != nil && s.catalog != nil {
			entry, err := s.catalog.Resolve(ctx, r.ItemType, *r.ReferenceID)
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, invalid(fmt.Sprintf("items[%d].reference_id", i), "unknown %s %s", r.ItemType, *r.ReferenceID)
			}
			if err != nil {
				return nil, fmt.Errorf("resolve items[%d]: %w", i, err)
			}
			if r.UnitPrice == nil || s.policy.Pricing == PricingCatalog {
				item.UnitPrice = money(entry.UnitPrice)
			}
			if item.ItemName == "" {
				item.ItemName = entry.Name
			}
		} else if r.UnitPrice == nil {
			return nil, invalid(fmt.Sprintf("items[%d].unit_price", i), "no price given and no catalog to resolve it")
		}

		if item.ItemName == "" {
			return nil, invalid(fmt.Sprintf("items[%d].item_name", i), "is required")
		}
		item.TotalPrice = money(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		items = append(items, item)
	}
	return items, nil
}

// CreateInvoice prices the cart, persists the invoice and its items and
// allocates stock for every referenced drug line, all in one unit of work.
// With an idempotency key, a repeat of an earlier request returns the
// original invoice and replayed is true.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (inv *Invoice, replayed bool, err error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, false, err
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	var fp string
	if req.IdempotencyKey != "" {
		if s.arena == nil {
			return nil, false, invalid("idempotency_key", "idempotent replay is not enabled")
		}
		if fp, err = req.fingerprint(actor); err != nil {
			return nil, false, err
		}
		if prior, ok, err := s.replay(ctx, req.IdempotencyKey, fp); err != nil || ok {
			return prior, ok, err
		}
	}

	items, err := s.priceItems(ctx, req.Items)
	if err != nil {
		return nil, false, err
	}

	tax, discount := decimal.Zero, decimal.Zero
	if req.TaxAmount != nil {
		tax = money(*req.TaxAmount)
	}
	if req.DiscountAmount != nil {
		discount = money(*req.DiscountAmount)
	}
	subtotal, total := totals(items, tax, discount)

	inv = &Invoice{
		PatientID:      req.PatientID,
		VisitID:        req.VisitID,
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discount,
		TotalAmount:    total,
		PaidAmount:     decimal.Zero,
		Balance:        total,
		Status:         StatusPending,
		Notes:          req.Notes,
		CreatedBy:      actor,
		Items:          items,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		inv.IdempotencyKey = &key
	}

	var dispensed []*pharmacy.DrugDispensing
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		seq, err := s.invoices.NextNumber(ctx)
		if err != nil {
			return fmt.Errorf("next invoice number: %w", err)
		}
		inv.InvoiceNumber = fmt.Sprintf("INV-%d-%06d", s.now().Year(), seq)
		if err := s.invoices.Create(ctx, inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}

		var allocs []pharmacy.AllocationRequest
		for _, item := range items {
			item.InvoiceID = inv.ID
			if err := s.invoices.CreateItem(ctx, item); err != nil {
				return fmt.Errorf("create invoice item %d: %w", item.LineNo, err)
			}
			if item.ItemType == catalog.ItemDrug && item.ReferenceID != nil {
				allocs = append(allocs, pharmacy.AllocationRequest{
					InvoiceID:     inv.ID,
					InvoiceItemID: item.ID,
					PatientID:     inv.PatientID,
					DrugID:        *item.ReferenceID,
					DrugName:      item.ItemName,
					Quantity:      item.Quantity,
					UnitPrice:     item.UnitPrice,
					Actor:         actor,
				})
			}
		}
		if len(allocs) > 0 {
			if dispensed, err = s.ledger.Allocate(ctx, allocs); err != nil {
				return err
			}
		}

		if req.IdempotencyKey != "" {
			return s.arena.Remember(ctx, req.IdempotencyKey, fp, inv.ID)
		}
		return nil
	})
	if errors.Is(err, idempotency.ErrDuplicate) {
		// A concurrent request with the same key committed first.
		if prior, ok, rerr := s.replay(ctx, req.IdempotencyKey, fp); rerr != nil || ok {
			return prior, ok, rerr
		}
	}
	if err != nil {
		return nil, false, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionInvoiceCreated,
		EntityType: "invoice",
		EntityID:   inv.ID.String(),
		After:      inv,
	})
	for _, d := range dispensed {
		s.recorder.Record(ctx, audit.Event{
			Actor:      actor,
			Action:     audit.ActionDrugDispensed,
			EntityType: "drug_dispensing",
			EntityID:   d.ID.String(),
			After:      d,
		})
	}
	return inv, false, nil
}

func (s *Service) replay(ctx context.Context, key, fp string) (*Invoice, bool, error) {
	id, found, err := s.arena.Lookup(ctx, key, fp)
	if err != nil || !found {
		return nil, false, err
	}
	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load replayed invoice %s: %w", id, err)
	}
	return inv, true, nil
}

// -- Payment Reconciler --

type PaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Method          PaymentMethod   `json:"payment_method"`
	ReferenceNumber *string         `json:"reference_number,omitempty"`
}

// RecordPayment applies a payment to an invoice under a row lock so that
// concurrent payments see each other's effect on the balance.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, req PaymentRequest) (*Payment, *Invoice, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	amount := money(req.Amount)
	if !amount.IsPositive() {
		return nil, nil, invalid("amount", "must be greater than zero")
	}
	if !req.Method.Valid() {
		return nil, nil, invalid("payment_method", "unsupported method %q", req.Method)
	}

	var p *Payment
	var inv *Invoice
	var before Invoice
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.LockByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		before = *inv
		if inv.Status == StatusVoid {
			return &InvoiceStateError{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, Status: inv.Status, Op: "pay"}
		}
		if !inv.Balance.IsPositive() {
			return &OverpaymentError{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, Amount: amount, Balance: inv.Balance}
		}
		if amount.GreaterThan(inv.Balance) {
			if s.policy.Overpayment != OverpaymentCap {
				return &OverpaymentError{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, Amount: amount, Balance: inv.Balance}
			}
			amount = inv.Balance
		}

		seq, err := s.payments.NextNumber(ctx)
		if err != nil {
			return fmt.Errorf("next payment number: %w", err)
		}
		p = &Payment{
			PaymentNumber:   fmt.Sprintf("PAY-%d-%06d", s.now().Year(), seq),
			InvoiceID:       inv.ID,
			Amount:          amount,
			Method:          req.Method,
			ReferenceNumber: req.ReferenceNumber,
			ReceivedBy:      actor,
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}

		inv.PaidAmount = money(inv.PaidAmount.Add(amount))
		inv.settle()
		return s.invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionPaymentRecorded,
		EntityType: "payment",
		EntityID:   p.ID.String(),
		Before:     settlementSnapshot(&before),
		After:      map[string]interface{}{"payment": p, "invoice": settlementSnapshot(inv)},
	})
	return p, inv, nil
}

// -- Void / Reversal --

// VoidInvoice retires an invoice. Paid amount and balance are kept as
// history. With ScopeFinancialAndInventory the invoice's dispensed stock is
// returned in the same unit of work.
func (s *Service) VoidInvoice(ctx context.Context, id uuid.UUID, reason string, scope VoidScope) (*Invoice, []*pharmacy.StockAdjustment, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, invalid("reason", "is required")
	}
	if scope == "" {
		scope = ScopeFinancial
	}
	if !scope.Valid() {
		return nil, nil, invalid("scope", "must be %q or %q", ScopeFinancial, ScopeFinancialAndInventory)
	}

	var inv *Invoice
	var before Invoice
	var reversed []*pharmacy.StockAdjustment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusVoid {
			return fmt.Errorf("invoice %s: %w", inv.InvoiceNumber, ErrAlreadyVoided)
		}
		before = *inv

		at := s.now()
		inv.Status = StatusVoid
		inv.VoidedBy = &actor
		inv.VoidedAt = &at
		inv.VoidReason = &reason
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}

		if scope == ScopeFinancialAndInventory {
			reversed, err = s.ledger.Reverse(ctx, inv.ID, reason, actor)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionInvoiceVoided,
		EntityType: "invoice",
		EntityID:   inv.ID.String(),
		Before:     settlementSnapshot(&before),
		After:      settlementSnapshot(inv),
	})
	s.recordReversals(ctx, actor, reversed)
	return inv, reversed, nil
}

// ReverseDispensing returns an invoice's dispensed stock to its batches
// without touching the invoice's financial state.
func (s *Service) ReverseDispensing(ctx context.Context, invoiceID uuid.UUID, reason string) ([]*pharmacy.StockAdjustment, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}

	var reversed []*pharmacy.StockAdjustment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// Serializes with void and payments on the same invoice.
		inv, err := s.invoices.LockByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		reversed, err = s.ledger.Reverse(ctx, inv.ID, reason, actor)
		if err != nil || len(reversed) > 0 {
			return err
		}
		all, err := s.ledger.ListDispensings(ctx, inv.ID)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return invalid("invoice_id", "invoice %s has no dispensed stock", inv.InvoiceNumber)
		}
		return fmt.Errorf("invoice %s: %w", inv.InvoiceNumber, ErrAlreadyReversed)
	})
	if err != nil {
		return nil, err
	}
	s.recordReversals(ctx, actor, reversed)
	return reversed, nil
}

func (s *Service) recordReversals(ctx context.Context, actor string, adjs []*pharmacy.StockAdjustment) {
	for _, a := range adjs {
		s.recorder.Record(ctx, audit.Event{
			Actor:      actor,
			Action:     audit.ActionStockReversed,
			EntityType: "stock_adjustment",
			EntityID:   a.ID.String(),
			After:      a,
		})
	}
}

// VoidPayment retires a payment and takes its amount back off the invoice.
// The invoice is locked before the payment, the same order RecordPayment
// uses.
func (s *Service) VoidPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*Payment, *Invoice, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, invalid("reason", "is required")
	}

	found, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}

	var p *Payment
	var inv *Invoice
	var before Invoice
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.LockByID(ctx, found.InvoiceID)
		if err != nil {
			return err
		}
		p, err = s.payments.LockByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.IsVoid() {
			return fmt.Errorf("payment %s: %w", p.PaymentNumber, ErrAlreadyVoided)
		}
		if inv.Status == StatusVoid {
			return &InvoiceStateError{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, Status: inv.Status, Op: "void a payment on"}
		}
		before = *inv

		at := s.now()
		p.VoidedBy = &actor
		p.VoidedAt = &at
		p.VoidReason = &reason
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}

		inv.PaidAmount = money(inv.PaidAmount.Sub(p.Amount))
		inv.settle()
		return s.invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, nil, err
	}

	s.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionPaymentVoided,
		EntityType: "payment",
		EntityID:   p.ID.String(),
		Before:     settlementSnapshot(&before),
		After:      map[string]interface{}{"payment": p, "invoice": settlementSnapshot(inv)},
	})
	return p, inv, nil
}

// -- Reads --

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Items, err = s.invoices.GetItems(ctx, id); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, patientID *uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.List(ctx, patientID, limit, offset)
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.payments.ListByInvoice(ctx, invoiceID)
}

func (s *Service) ListDispensings(ctx context.Context, invoiceID uuid.UUID) ([]*pharmacy.DrugDispensing, error) {
	if _, err := s.invoices.GetByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.ledger.ListDispensings(ctx, invoiceID)
}

func settlementSnapshot(inv *Invoice) map[string]interface{} {
	return map[string]interface{}{
		"invoice_number": inv.InvoiceNumber,
		"status":         inv.Status,
		"total_amount":   inv.TotalAmount.StringFixed(2),
		"paid_amount":    inv.PaidAmount.StringFixed(2),
		"balance":        inv.Balance.StringFixed(2),
	}
}

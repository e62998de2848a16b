package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/catalog"
	"github.com/hms/hms/internal/platform/audit"
	"github.com/hms/hms/internal/platform/auth"
)

// Ledger is the only writer of DrugBatch.QuantityRemaining. Every change
// leaves either a DrugDispensing or a StockAdjustment behind.
type Ledger struct {
	batches     BatchRepository
	dispensings DispensingRepository
	adjustments AdjustmentRepository
	tx          Transactor
	catalog     catalog.Lookup
	recorder    audit.Recorder
	expiry      ExpiryPolicy
	nowFunc     func() time.Time
}

// ExpiryPolicy decides whether allocation may draw on batches whose expiry
// date has passed.
type ExpiryPolicy string

const (
	// ExpiryDispense allocates from every batch with stock left, expired
	// ones included, still earliest expiry first.
	ExpiryDispense ExpiryPolicy = "dispense"
	// ExpirySkip leaves expired batches out of allocation. They stay on the
	// shelf until written off.
	ExpirySkip ExpiryPolicy = "skip"
)

func NewLedger(b BatchRepository, d DispensingRepository, a AdjustmentRepository, tx Transactor, cat catalog.Lookup, rec audit.Recorder) *Ledger {
	if rec == nil {
		rec = audit.Nop
	}
	return &Ledger{
		batches:     b,
		dispensings: d,
		adjustments: a,
		tx:          tx,
		catalog:     cat,
		recorder:    rec,
		expiry:      ExpiryDispense,
		nowFunc:     time.Now,
	}
}

// SetClock replaces the ledger's clock. Expiry checks use its date.
func (l *Ledger) SetClock(now func() time.Time) {
	l.nowFunc = now
}

// SetExpiryPolicy selects how Allocate treats expired batches. Anything
// other than ExpirySkip dispenses them.
func (l *Ledger) SetExpiryPolicy(p ExpiryPolicy) {
	if p != ExpirySkip {
		p = ExpiryDispense
	}
	l.expiry = p
}

func (l *Ledger) now() time.Time { return l.nowFunc().UTC() }

// cutoff is the earliest expiry date Allocate may draw on. Zero means any.
func (l *Ledger) cutoff() time.Time {
	if l.expiry == ExpirySkip {
		return truncateDay(l.now())
	}
	return time.Time{}
}

// AllocationRequest asks for Quantity units of one drug for one invoice line.
type AllocationRequest struct {
	InvoiceID     uuid.UUID
	InvoiceItemID uuid.UUID
	PatientID     uuid.UUID
	DrugID        uuid.UUID
	DrugName      string
	Quantity      int
	UnitPrice     decimal.Decimal
	Actor         string
}

// take is one slice of an allocation: qty units from batches[index].
type take struct {
	index int
	qty   int
}

// planAllocation drains batches earliest expiry first (ties broken by id)
// until need is met. It does not modify batches. The bool is false when the
// batches together hold less than need.
func planAllocation(batches []*DrugBatch, need int) ([]take, bool) {
	order := make([]int, len(batches))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		x, y := batches[order[a]], batches[order[b]]
		if !x.ExpiryDate.Equal(y.ExpiryDate) {
			return x.ExpiryDate.Before(y.ExpiryDate)
		}
		return x.ID.String() < y.ID.String()
	})

	var plan []take
	for _, i := range order {
		if need == 0 {
			break
		}
		avail := batches[i].QuantityRemaining
		if avail <= 0 {
			continue
		}
		qty := min(need, avail)
		plan = append(plan, take{index: i, qty: qty})
		need -= qty
	}
	return plan, need == 0
}

// Allocate consumes stock for every request in one unit of work. Drugs are
// locked in ascending id order so concurrent carts cannot deadlock on each
// other's batches. If any drug is short the whole call fails with
// *InsufficientStockError and nothing is decremented.
func (l *Ledger) Allocate(ctx context.Context, reqs []AllocationRequest) ([]*DrugDispensing, error) {
	byDrug := make(map[uuid.UUID][]AllocationRequest)
	var drugIDs []uuid.UUID
	for _, r := range reqs {
		if r.DrugID == uuid.Nil {
			return nil, invalid("drug_id", "is required")
		}
		if r.Quantity <= 0 {
			return nil, invalid("quantity", "must be positive, got %d", r.Quantity)
		}
		if _, seen := byDrug[r.DrugID]; !seen {
			drugIDs = append(drugIDs, r.DrugID)
		}
		byDrug[r.DrugID] = append(byDrug[r.DrugID], r)
	}
	sort.Slice(drugIDs, func(i, j int) bool { return drugIDs[i].String() < drugIDs[j].String() })

	var out []*DrugDispensing
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		notBefore := l.cutoff()
		for _, drugID := range drugIDs {
			rows, err := l.allocateDrug(ctx, drugID, byDrug[drugID], notBefore)
			if err != nil {
				return err
			}
			out = append(out, rows...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) allocateDrug(ctx context.Context, drugID uuid.UUID, lines []AllocationRequest, notBefore time.Time) ([]*DrugDispensing, error) {
	batches, err := l.batches.LockAvailable(ctx, drugID, notBefore)
	if err != nil {
		return nil, err
	}

	requested, available := 0, 0
	for _, line := range lines {
		requested += line.Quantity
	}
	for _, b := range batches {
		available += b.QuantityRemaining
	}
	if available < requested {
		return nil, &InsufficientStockError{
			DrugID:    drugID,
			DrugName:  lines[0].DrugName,
			Requested: requested,
			Available: available,
		}
	}

	touched := make(map[int]bool)
	var out []*DrugDispensing
	for _, line := range lines {
		plan, ok := planAllocation(batches, line.Quantity)
		if !ok {
			return nil, fmt.Errorf("allocation plan for drug %s came up short", drugID)
		}
		for _, t := range plan {
			b := batches[t.index]
			b.QuantityRemaining -= t.qty
			touched[t.index] = true

			d := &DrugDispensing{
				InvoiceID:     line.InvoiceID,
				InvoiceItemID: line.InvoiceItemID,
				PatientID:     line.PatientID,
				DrugID:        drugID,
				BatchID:       b.ID,
				Quantity:      t.qty,
				UnitPrice:     line.UnitPrice,
				DispensedBy:   line.Actor,
			}
			if err := l.dispensings.Create(ctx, d); err != nil {
				return nil, fmt.Errorf("record dispensing: %w", err)
			}
			out = append(out, d)
		}
	}

	for i := range batches {
		if !touched[i] {
			continue
		}
		if err := l.batches.UpdateRemaining(ctx, batches[i].ID, batches[i].QuantityRemaining); err != nil {
			return nil, fmt.Errorf("decrement batch %s: %w", batches[i].ID, err)
		}
	}
	return out, nil
}

// Reverse returns every unreversed dispensing of an invoice to its batch and
// records one reversal adjustment per dispensing. It returns an empty slice
// when nothing is left to reverse. Batches are locked in the same order
// Allocate uses: drug, then expiry, then id.
func (l *Ledger) Reverse(ctx context.Context, invoiceID uuid.UUID, note, actor string) ([]*StockAdjustment, error) {
	var out []*StockAdjustment
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		open, err := l.dispensings.LockOpenByInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		returned := make(map[uuid.UUID]int)
		var ids []uuid.UUID
		for _, d := range open {
			if _, ok := returned[d.BatchID]; !ok {
				ids = append(ids, d.BatchID)
			}
			returned[d.BatchID] += d.Quantity
		}

		batches, err := l.batches.LockByIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(batches) != len(ids) {
			return fmt.Errorf("reverse invoice %s: %w", invoiceID, ErrNotFound)
		}
		for _, b := range batches {
			remaining := b.QuantityRemaining + returned[b.ID]
			if remaining > b.QuantityReceived {
				return &BatchOverflowError{
					BatchID:     b.ID,
					BatchNumber: b.BatchNumber,
					Remaining:   remaining,
					Received:    b.QuantityReceived,
				}
			}
			if err := l.batches.UpdateRemaining(ctx, b.ID, remaining); err != nil {
				return err
			}
		}

		at := l.now()
		inv := invoiceID
		var notePtr *string
		if note != "" {
			notePtr = &note
		}
		for _, d := range open {
			if err := l.dispensings.MarkReversed(ctx, d.ID, at); err != nil {
				return err
			}
			adj := &StockAdjustment{
				BatchID:       d.BatchID,
				DrugID:        d.DrugID,
				QuantityDelta: d.Quantity,
				Reason:        ReasonReversal,
				Note:          notePtr,
				AdjustedBy:    actor,
				InvoiceID:     &inv,
			}
			if err := l.adjustments.Create(ctx, adj); err != nil {
				return fmt.Errorf("record reversal: %w", err)
			}
			out = append(out, adj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReceiveRequest describes incoming stock.
type ReceiveRequest struct {
	DrugID      uuid.UUID       `json:"-"`
	BatchNumber string          `json:"batch_number"`
	Quantity    int             `json:"quantity"`
	ExpiryDate  time.Time       `json:"expiry_date"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Note        string          `json:"note,omitempty"`
}

// ReceiveBatch registers a new batch and its receipt adjustment.
func (l *Ledger) ReceiveBatch(ctx context.Context, req ReceiveRequest) (*DrugBatch, error) {
	actor := auth.UserIDFromContext(ctx)
	switch {
	case actor == "":
		return nil, invalid("actor", "is required")
	case req.DrugID == uuid.Nil:
		return nil, invalid("drug_id", "is required")
	case strings.TrimSpace(req.BatchNumber) == "":
		return nil, invalid("batch_number", "is required")
	case req.Quantity <= 0:
		return nil, invalid("quantity", "must be positive, got %d", req.Quantity)
	case req.ExpiryDate.IsZero():
		return nil, invalid("expiry_date", "is required")
	case req.UnitCost.IsNegative():
		return nil, invalid("unit_cost", "must not be negative")
	}
	if l.catalog != nil {
		if _, err := l.catalog.Resolve(ctx, catalog.ItemDrug, req.DrugID); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, invalid("drug_id", "unknown drug %s", req.DrugID)
			}
			return nil, err
		}
	}

	b := &DrugBatch{
		DrugID:            req.DrugID,
		BatchNumber:       strings.TrimSpace(req.BatchNumber),
		QuantityReceived:  req.Quantity,
		QuantityRemaining: req.Quantity,
		ExpiryDate:        truncateDay(req.ExpiryDate),
		UnitCost:          req.UnitCost.Round(2),
	}
	var adj *StockAdjustment
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := l.batches.Create(ctx, b); err != nil {
			return err
		}
		adj = &StockAdjustment{
			BatchID:       b.ID,
			DrugID:        b.DrugID,
			QuantityDelta: b.QuantityReceived,
			Reason:        ReasonReceipt,
			AdjustedBy:    actor,
		}
		if req.Note != "" {
			note := req.Note
			adj.Note = &note
		}
		return l.adjustments.Create(ctx, adj)
	})
	if err != nil {
		return nil, err
	}

	l.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionStockReceived,
		EntityType: "drug_batch",
		EntityID:   b.ID.String(),
		After:      b,
	})
	return b, nil
}

// AdjustRequest is a manual correction to one batch.
type AdjustRequest struct {
	BatchID uuid.UUID        `json:"-"`
	Delta   int              `json:"quantity_delta"`
	Reason  AdjustmentReason `json:"reason"`
	Note    string           `json:"note"`
}

// AdjustBatch applies a correction or expiry write-off. Receipts and
// reversals have their own operations and are refused here. Units still out
// on unreversed dispensings count against the received quantity, so every
// open dispensing can always be reversed.
func (l *Ledger) AdjustBatch(ctx context.Context, req AdjustRequest) (*DrugBatch, *StockAdjustment, error) {
	actor := auth.UserIDFromContext(ctx)
	switch {
	case actor == "":
		return nil, nil, invalid("actor", "is required")
	case req.Delta == 0:
		return nil, nil, invalid("quantity_delta", "must not be zero")
	case strings.TrimSpace(req.Note) == "":
		return nil, nil, invalid("note", "is required")
	}
	switch req.Reason {
	case ReasonCorrection:
	case ReasonExpiryWriteoff:
		if req.Delta > 0 {
			return nil, nil, invalid("quantity_delta", "an expiry write-off must be negative")
		}
	default:
		return nil, nil, invalid("reason", "must be %q or %q", ReasonCorrection, ReasonExpiryWriteoff)
	}

	var before, after DrugBatch
	var adj *StockAdjustment
	err := l.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := l.batches.LockByID(ctx, req.BatchID)
		if err != nil {
			return err
		}
		before = *b
		out, err := l.dispensings.OpenQuantityByBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		ceiling := b.QuantityReceived - out
		remaining := b.QuantityRemaining + req.Delta
		if remaining < 0 || remaining > ceiling {
			return invalid("quantity_delta", "would leave %d units, outside 0..%d (%d dispensed and reversible)",
				remaining, ceiling, out)
		}
		if err := l.batches.UpdateRemaining(ctx, b.ID, remaining); err != nil {
			return err
		}
		b.QuantityRemaining = remaining
		after = *b

		note := req.Note
		adj = &StockAdjustment{
			BatchID:       b.ID,
			DrugID:        b.DrugID,
			QuantityDelta: req.Delta,
			Reason:        req.Reason,
			Note:          &note,
			AdjustedBy:    actor,
		}
		return l.adjustments.Create(ctx, adj)
	})
	if err != nil {
		return nil, nil, err
	}

	l.recorder.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionStockAdjusted,
		EntityType: "drug_batch",
		EntityID:   after.ID.String(),
		Before:     before,
		After:      after,
	})
	return &after, adj, nil
}

func (l *Ledger) GetBatch(ctx context.Context, id uuid.UUID) (*DrugBatch, error) {
	return l.batches.GetByID(ctx, id)
}

func (l *Ledger) ListBatches(ctx context.Context, drugID uuid.UUID) ([]*DrugBatch, error) {
	return l.batches.ListByDrug(ctx, drugID)
}

func (l *Ledger) ListDispensings(ctx context.Context, invoiceID uuid.UUID) ([]*DrugDispensing, error) {
	return l.dispensings.ListByInvoice(ctx, invoiceID)
}

func (l *Ledger) ListAdjustments(ctx context.Context, drugID uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	return l.adjustments.ListByDrug(ctx, drugID, limit, offset)
}

// StockLevel counts units for a drug. Available is what Allocate can draw
// on under the ledger's expiry policy; Expired counts units past their
// expiry date either way.
func (l *Ledger) StockLevel(ctx context.Context, drugID uuid.UUID) (*StockLevel, error) {
	batches, err := l.batches.ListByDrug(ctx, drugID)
	if err != nil {
		return nil, err
	}
	today := l.now()
	lvl := &StockLevel{DrugID: drugID}
	for _, b := range batches {
		if b.QuantityRemaining <= 0 {
			continue
		}
		if b.ExpiredOn(today) {
			lvl.Expired += b.QuantityRemaining
			if l.expiry == ExpirySkip {
				continue
			}
		}
		lvl.Available += b.QuantityRemaining
		lvl.Batches++
		if lvl.EarliestExpiry == nil || b.ExpiryDate.Before(*lvl.EarliestExpiry) {
			exp := b.ExpiryDate
			lvl.EarliestExpiry = &exp
		}
	}
	return lvl, nil
}

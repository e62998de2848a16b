package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ActionInvoiceCreated  = "invoice.created"
	ActionInvoiceVoided   = "invoice.voided"
	ActionDrugDispensed   = "drug.dispensed"
	ActionPaymentRecorded = "payment.recorded"
	ActionPaymentVoided   = "payment.voided"
	ActionStockReversed   = "stock.reversed"
	ActionStockReceived   = "stock.received"
	ActionStockAdjusted   = "stock.adjusted"
)

// Event is one mutating operation as seen by the audit trail. Before and
// After hold snapshots of the entity and are serialized as JSON.
type Event struct {
	ID         uuid.UUID   `json:"id"`
	FacilityID string      `json:"facility_id,omitempty"`
	Actor      string      `json:"actor"`
	Action     string      `json:"action"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Before     interface{} `json:"before,omitempty"`
	After      interface{} `json:"after,omitempty"`
	RequestID  string      `json:"request_id,omitempty"`
	IPAddress  string      `json:"ip_address,omitempty"`
	UserAgent  string      `json:"user_agent,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Recorder accepts events without blocking the caller. Delivery is best
// effort.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Event)

func (f RecorderFunc) Record(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards every event.
var Nop Recorder = RecorderFunc(func(context.Context, Event) {})

// RequestMeta is the originating request information attached to events.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type metaKey struct{}

func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

func RequestMetaFromContext(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(metaKey{}).(RequestMeta)
	return m
}

package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
)

// Sink persists events. Sinks are called from a single goroutine.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// AsyncRecorder buffers events in a channel drained by Run. When the buffer
// is full the event is dropped and logged; Record never blocks.
type AsyncRecorder struct {
	events  chan Event
	sink    Sink
	logger  zerolog.Logger
	dropped atomic.Int64
	nowFunc func() time.Time
}

func NewAsyncRecorder(sink Sink, buffer int, logger zerolog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AsyncRecorder{
		events:  make(chan Event, buffer),
		sink:    sink,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Record stamps e with an id, time, facility and request metadata from ctx
// and queues it.
func (r *AsyncRecorder) Record(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.nowFunc().UTC()
	}
	if e.FacilityID == "" {
		e.FacilityID = db.FacilityFromContext(ctx)
	}
	meta := RequestMetaFromContext(ctx)
	if e.RequestID == "" {
		e.RequestID = meta.RequestID
	}
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}

	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		r.logger.Warn().
			Str("action", e.Action).
			Str("entity_type", e.EntityType).
			Str("entity_id", e.EntityID).
			Msg("audit buffer full, event dropped")
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then flushes whatever
// is still buffered.
func (r *AsyncRecorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.events:
			r.write(ctx, e)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *AsyncRecorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-r.events:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *AsyncRecorder) write(ctx context.Context, e Event) {
	if err := r.sink.Write(ctx, e); err != nil {
		r.logger.Error().Err(err).
			Str("action", e.Action).
			Str("entity_id", e.EntityID).
			Str("request_id", e.RequestID).
			Msg("failed to record audit event")
	}
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
)

// LogSink writes each event as a structured log line of type billing_audit.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	evt := s.logger.Info().
		Str("type", "billing_audit").
		Str("event_id", e.ID.String()).
		Str("facility_id", e.FacilityID).
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("request_id", e.RequestID).
		Str("remote_ip", e.IPAddress).
		Str("user_agent", e.UserAgent).
		Time("occurred_at", e.OccurredAt)
	if e.Before != nil {
		evt = evt.Interface("before", e.Before)
	}
	if e.After != nil {
		evt = evt.Interface("after", e.After)
	}
	evt.Msg("audit")
	return nil
}

// PGSink inserts events into the audit_events table of the event's facility
// schema.
type PGSink struct {
	pool            *pgxpool.Pool
	defaultFacility string
}

func NewPGSink(pool *pgxpool.Pool, defaultFacility string) *PGSink {
	return &PGSink{pool: pool, defaultFacility: defaultFacility}
}

func (s *PGSink) Write(ctx context.Context, e Event) error {
	facility := e.FacilityID
	if facility == "" {
		facility = s.defaultFacility
	}
	if !db.ValidFacilityID(facility) {
		return fmt.Errorf("audit: invalid facility %q", facility)
	}

	before, err := marshalSnapshot(e.Before)
	if err != nil {
		return fmt.Errorf("audit: marshal before: %w", err)
	}
	after, err := marshalSnapshot(e.After)
	if err != nil {
		return fmt.Errorf("audit: marshal after: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s.audit_events (
		id, actor, action, entity_type, entity_id, before, after,
		request_id, ip_address, user_agent, occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, db.FacilitySchema(facility))

	_, err = s.pool.Exec(ctx, query,
		e.ID, e.Actor, e.Action, e.EntityType, e.EntityID, before, after,
		e.RequestID, e.IPAddress, e.UserAgent, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func marshalSnapshot(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

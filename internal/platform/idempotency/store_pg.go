package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps records in the facility's idempotency_keys table. Inside a
// request it runs on the request's transaction or facility connection.
type PGStore struct {
	pool            *pgxpool.Pool
	defaultFacility string
}

func NewPGStore(pool *pgxpool.Pool, defaultFacility string) *PGStore {
	return &PGStore{pool: pool, defaultFacility: defaultFacility}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT key, fingerprint, resource_id, created_at, expires_at
		 FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&rec.Key, &rec.Fingerprint, &rec.ResourceID, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &rec, nil
}

// Put inserts the record, taking over an expired row with the same key. A
// concurrent insert of the same key waits for the other transaction and then
// reports ErrDuplicate.
func (s *PGStore) Put(ctx context.Context, rec Record) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO idempotency_keys (key, fingerprint, resource_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE
		   SET fingerprint = EXCLUDED.fingerprint, resource_id = EXCLUDED.resource_id,
		       created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		   WHERE idempotency_keys.expires_at <= EXCLUDED.created_at`,
		rec.Key, rec.Fingerprint, rec.ResourceID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// Purge runs outside any request, so it addresses the facility schema
// explicitly (facility from ctx, else the default).
func (s *PGStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	facility := db.FacilityFromContext(ctx)
	if facility == "" {
		facility = s.defaultFacility
	}
	if !db.ValidFacilityID(facility) {
		return 0, fmt.Errorf("invalid facility identifier: %s", facility)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s.idempotency_keys WHERE expires_at <= $1`, db.FacilitySchema(facility)),
		before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

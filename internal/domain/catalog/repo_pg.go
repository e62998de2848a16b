package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type lookupPG struct{ pool *pgxpool.Pool }

func NewLookupPG(pool *pgxpool.Pool) Lookup { return &lookupPG{pool: pool} }

func (r *lookupPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

var resolveQueries = map[ItemType]string{
	ItemDrug:    `SELECT id, name, unit_price, active FROM drugs WHERE id = $1`,
	ItemTest:    `SELECT id, name, price, active FROM lab_tests WHERE id = $1`,
	ItemService: `SELECT id, name, price, active FROM medical_services WHERE id = $1`,
}

func (r *lookupPG) Resolve(ctx context.Context, t ItemType, id uuid.UUID) (*Entry, error) {
	q, ok := resolveQueries[t]
	if !ok {
		return nil, fmt.Errorf("unknown item type %q", t)
	}
	e := Entry{Type: t}
	err := r.conn(ctx).QueryRow(ctx, q, id).Scan(&e.ID, &e.Name, &e.UnitPrice, &e.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s %s: %w", t, id, err)
	}
	if !e.Active {
		return nil, ErrNotFound
	}
	return &e, nil
}

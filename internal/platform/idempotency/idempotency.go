// Package idempotency collapses retried create requests into one effect.
// A client token is bound to a fingerprint of the request and to the id of
// the resource the first request produced; replays with the same token and
// fingerprint get that resource back, a different fingerprint is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTTL = 72 * time.Hour

// MaxKeyLength bounds client tokens to the width of the key column.
const MaxKeyLength = 255

var (
	// ErrConflict means the token was already used for a different request.
	ErrConflict = errors.New("idempotency key already used for a different request")
	// ErrDuplicate means a concurrent request bound the token first.
	ErrDuplicate = errors.New("idempotency key already recorded")
	ErrNotFound  = errors.New("idempotency key not found")
)

type Record struct {
	Key         string
	Fingerprint string
	ResourceID  uuid.UUID
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists records. Get must not return expired records. Put must
// fail with ErrDuplicate when an unexpired record holds the key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Fingerprint hashes the JSON encoding of a canonical request.
func Fingerprint(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Arena is the token table with bounded retention.
type Arena struct {
	store   Store
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewArena(store Store, ttl time.Duration) *Arena {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Arena{store: store, ttl: ttl, nowFunc: time.Now}
}

// Lookup returns the resource bound to key. found is false when the key is
// unknown or expired. A fingerprint mismatch returns ErrConflict.
func (a *Arena) Lookup(ctx context.Context, key, fingerprint string) (uuid.UUID, bool, error) {
	rec, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if rec.Fingerprint != fingerprint {
		return uuid.Nil, false, ErrConflict
	}
	return rec.ResourceID, true, nil
}

// Remember binds key to resourceID. Call it as the last step of the unit of
// work that created the resource so the binding commits or rolls back with it.
func (a *Arena) Remember(ctx context.Context, key, fingerprint string, resourceID uuid.UUID) error {
	now := a.nowFunc().UTC()
	return a.store.Put(ctx, Record{
		Key:         key,
		Fingerprint: fingerprint,
		ResourceID:  resourceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.ttl),
	})
}

// Purge deletes expired records.
func (a *Arena) Purge(ctx context.Context) (int64, error) {
	return a.store.Purge(ctx, a.nowFunc().UTC())
}

// RunPurger purges on every tick until ctx is cancelled.
func (a *Arena) RunPurger(ctx context.Context, interval time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.Purge(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		}
	}
}

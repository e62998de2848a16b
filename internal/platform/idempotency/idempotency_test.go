package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestArena(ttl time.Duration) (*Arena, *MemoryStore, *clock) {
	clk := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.nowFunc = clk.Now
	arena := NewArena(store, ttl)
	arena.nowFunc = clk.Now
	return arena, store, clk
}

func TestFingerprint(t *testing.T) {
	type req struct {
		PatientID string `json:"patient_id"`
		Qty       int    `json:"qty"`
	}
	a, err := Fingerprint(req{PatientID: "p1", Qty: 2})
	require.NoError(t, err)
	b, err := Fingerprint(req{PatientID: "p1", Qty: 2})
	require.NoError(t, err)
	c, err := Fingerprint(req{PatientID: "p1", Qty: 3})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	_, err = Fingerprint(make(chan int))
	assert.Error(t, err)
}

func TestArena_LookupUnknown(t *testing.T) {
	arena, _, _ := newTestArena(time.Hour)

	id, found, err := arena.Lookup(context.Background(), "k1", "fp")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uuid.Nil, id)
}

func TestArena_RememberThenReplay(t *testing.T) {
	arena, _, _ := newTestArena(time.Hour)
	ctx := context.Background()
	invoiceID := uuid.New()

	require.NoError(t, arena.Remember(ctx, "k1", "fp-a", invoiceID))

	id, found, err := arena.Lookup(ctx, "k1", "fp-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, invoiceID, id)
}

func TestArena_FingerprintMismatch(t *testing.T) {
	arena, _, _ := newTestArena(time.Hour)
	ctx := context.Background()
	require.NoError(t, arena.Remember(ctx, "k1", "fp-a", uuid.New()))

	_, _, err := arena.Lookup(ctx, "k1", "fp-b")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestArena_RememberDuplicate(t *testing.T) {
	arena, _, _ := newTestArena(time.Hour)
	ctx := context.Background()
	require.NoError(t, arena.Remember(ctx, "k1", "fp-a", uuid.New()))

	err := arena.Remember(ctx, "k1", "fp-a", uuid.New())
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestArena_ExpiryAndPurge(t *testing.T) {
	arena, store, clk := newTestArena(time.Hour)
	ctx := context.Background()
	first := uuid.New()
	require.NoError(t, arena.Remember(ctx, "old", "fp", first))

	clk.now = clk.now.Add(30 * time.Minute)
	require.NoError(t, arena.Remember(ctx, "fresh", "fp", uuid.New()))

	clk.now = clk.now.Add(45 * time.Minute)

	_, found, err := arena.Lookup(ctx, "old", "fp")
	require.NoError(t, err)
	assert.False(t, found, "expired keys are not replayed")

	second := uuid.New()
	require.NoError(t, arena.Remember(ctx, "old", "fp", second), "an expired key may be reused")

	clk.now = clk.now.Add(2 * time.Hour)
	n, err := arena.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, store.records)
}

func TestArena_RunPurgerStops(t *testing.T) {
	arena, _, _ := newTestArena(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- arena.RunPurger(ctx, 10*time.Millisecond, zerolog.Nop()) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("purger did not stop after cancel")
	}
}

func TestNewArena_DefaultTTL(t *testing.T) {
	arena := NewArena(NewMemoryStore(), 0)
	assert.Equal(t, DefaultTTL, arena.ttl)
}

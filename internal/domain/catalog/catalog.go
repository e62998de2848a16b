// Package catalog resolves billable item references to their current price.
// The catalog itself is maintained elsewhere; this package only reads it.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ItemType string

const (
	ItemDrug    ItemType = "drug"
	ItemTest    ItemType = "test"
	ItemService ItemType = "service"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemDrug, ItemTest, ItemService:
		return true
	}
	return false
}

var ErrNotFound = errors.New("catalog entry not found")

type Entry struct {
	ID        uuid.UUID       `json:"id"`
	Type      ItemType        `json:"item_type"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Active    bool            `json:"active"`
}

// Lookup resolves an active catalog entry. Unknown and retired references
// both return ErrNotFound.
type Lookup interface {
	Resolve(ctx context.Context, t ItemType, id uuid.UUID) (*Entry, error)
}

// Static is an in-memory catalog for development and tests.
type Static struct {
	mu      sync.RWMutex
	entries map[ItemType]map[uuid.UUID]Entry
}

func NewStatic(entries ...Entry) *Static {
	s := &Static{entries: make(map[ItemType]map[uuid.UUID]Entry)}
	for _, e := range entries {
		s.Put(e)
	}
	return s
}

// Put adds or replaces an entry. A zero ID is assigned a new one.
func (s *Static) Put(e Entry) Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.UnitPrice = e.UnitPrice.Round(2)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.Type] == nil {
		s.entries[e.Type] = make(map[uuid.UUID]Entry)
	}
	s.entries[e.Type][e.ID] = e
	return e
}

func (s *Static) Resolve(_ context.Context, t ItemType, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[t][id]
	if !ok || !e.Active {
		return nil, ErrNotFound
	}
	return &e, nil
}

// List returns the entries of one type ordered by name.
func (s *Static) List(t ItemType) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries[t]))
	for _, e := range s.entries[t] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in a map. Put is an atomic insert-if-absent.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	nowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok || !s.nowFunc().Before(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[rec.Key]; ok && s.nowFunc().Before(cur.ExpiresAt) {
		return ErrDuplicate
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.records {
		if !before.Before(rec.ExpiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

package store

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	domains map[string][]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{domains: map[string][]Record{}}
}

func (s *MemoryStore) Append(ctx context.Context, domain string, rec Record) error {
	if err := validate(domain, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[domain] = append(s.domains[domain], sanitize(rec))
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, domain, key string) ([]Record, error) {
	return queryByScan(ctx, s, domain, key)
}

func (s *MemoryStore) Scan(ctx context.Context, domain string, fn func(Record) bool) error {
	if err := validateDomain(domain); err != nil {
		return err
	}
	s.mu.RLock()
	recs := slices.Clone(s.domains[domain])
	s.mu.RUnlock()
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(slices.Clone(r)) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Package memory is an in-process AuditStore for tests and single-node runs.
package memory

import (
	"context"
	"sync"

	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/storage"
)

// Store keeps every appended record in memory.
type Store struct {
	mu      sync.RWMutex
	records []events.Event
}

var _ storage.AuditStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Append implements events.Sink.
func (s *Store) Append(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Metadata = cloneMetadata(e.Metadata)
	s.records = append(s.records, e)
	return nil
}

// List implements storage.AuditStore.
func (s *Store) List(_ context.Context, q storage.Query) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.EffectiveLimit()
	out := make([]events.Event, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if q.Matches(s.records[i]) {
			e := s.records[i]
			e.Metadata = cloneMetadata(e.Metadata)
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

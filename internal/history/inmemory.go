package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCapacity = 200

// InMemoryStore keeps the last capacity records in a ring.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	next    int
	full    bool
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &InMemoryStore{records: make([]Record, capacity)}
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = record
	s.next = (s.next + 1) % len(s.records)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := s.next
	if s.full {
		size = len(s.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.records)) % len(s.records)
		out = append(out, s.records[idx])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

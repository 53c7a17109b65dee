package memory

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore keeps step records in process memory, keyed by partition
// and session. Suitable for tests and single-process runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[int]StepRecord
	// partition of each known session, fixed at first append
	partitions map[string]string
}

// NewInMemoryStore builds an empty in-process store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:   make(map[string]map[int]StepRecord),
		partitions: make(map[string]string),
	}
}

// Append records the step unless its index was already written.
func (s *InMemoryStore) Append(ctx context.Context, rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.sessions[rec.SessionID]
	if !ok {
		steps = make(map[int]StepRecord)
		s.sessions[rec.SessionID] = steps
		s.partitions[rec.SessionID] = PartitionKey(rec.CreatedAt)
	}
	if _, exists := steps[rec.StepIndex]; exists {
		return nil
	}
	steps[rec.StepIndex] = rec
	return nil
}

// Read returns the session's records ordered by step index.
func (s *InMemoryStore) Read(ctx context.Context, sessionID string) ([]StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]StepRecord, 0, len(steps))
	for _, rec := range steps {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// Partition reports the date partition a session was filed under.
func (s *InMemoryStore) Partition(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[sessionID]
	return p, ok
}

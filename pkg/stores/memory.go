package stores

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-memory event log used by tests and the sim mode.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	log    []Event
	byAgg  map[string][]int // aggregate key -> indexes into log
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAgg: make(map[string][]int),
	}
}

func aggKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, aggregateType, aggregateID string, expectedVersion int64, events []NewEvent) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggKey(aggregateType, aggregateID)
	current := int64(len(s.byAgg[key]))
	if current != expectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d",
			ErrConcurrencyConflict, key, current, expectedVersion)
	}

	now := time.Now().UTC()
	appended := make([]Event, 0, len(events))
	for i, ev := range events {
		s.nextID++
		stored := Event{
			ID:            s.nextID,
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			Sequence:      expectedVersion + int64(i) + 1,
			Kind:          ev.Kind,
			Payload:       append([]byte(nil), ev.Payload...),
			Timestamp:     now,
		}
		s.byAgg[key] = append(s.byAgg[key], len(s.log))
		s.log = append(s.log, stored)
		appended = append(appended, stored)
	}
	return appended, nil
}

// ReadAggregate implements Store.
func (s *MemoryStore) ReadAggregate(_ context.Context, aggregateType, aggregateID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexes := s.byAgg[aggKey(aggregateType, aggregateID)]
	out := make([]Event, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, s.log[i])
	}
	return out, nil
}

// ReadAllSince implements Store.
func (s *MemoryStore) ReadAllSince(_ context.Context, since int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, len(s.log))
	for _, ev := range s.log {
		if ev.ID > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

// ErrRecordNotFound is returned by Store.Get when no live record exists
// for the key.
var ErrRecordNotFound = errors.New("idempotency record not found")

// Store persists idempotency records. Implementations must treat records
// as immutable: a Put for an existing live key may be ignored, never
// merged. Expired records are treated as absent.
type Store interface {
	Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error)
	Put(ctx context.Context, record *contracts.IdempotencyRecord) error
}

// MemoryStore is the in-process Store used by default and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*contracts.IdempotencyRecord
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*contracts.IdempotencyRecord),
		clock:   time.Now,
	}
}

// WithClock overrides the expiry clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*contracts.IdempotencyRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	if s.clock().After(rec.ExpiresAt) {
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		return nil, ErrRecordNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *MemoryStore) Put(_ context.Context, record *contracts.IdempotencyRecord) error {
	copied := *record
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.Key]; ok && !s.clock().After(existing.ExpiresAt) {
		// First write wins inside the validity window.
		return nil
	}
	s.records[record.Key] = &copied
	return nil
}

// Len reports the number of stored records, including not-yet-pruned
// expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

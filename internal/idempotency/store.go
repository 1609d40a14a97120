package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"payrails/internal/persistence"
)

// Record is a stored response replayed for a repeated Idempotency-Key.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence. Get returns nil, nil for unknown
// or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// AdapterStore keeps records in memory and writes the whole set through a
// persistence.Adapter on every save, dropping expired keys as it goes.
type AdapterStore struct {
	adapter persistence.Adapter
	now     func() time.Time

	mu   sync.Mutex
	data map[string]Record
}

func NewAdapterStore(ctx context.Context, adapter persistence.Adapter) (*AdapterStore, error) {
	s := &AdapterStore{adapter: adapter, now: time.Now, data: make(map[string]Record)}
	blob, err := adapter.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load idempotency records: %w", err)
	}
	if len(blob) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(blob, &s.data); err != nil {
		return nil, fmt.Errorf("decode idempotency records: %w", err)
	}
	return s, nil
}

func (s *AdapterStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[key]
	if !ok || rec.expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *AdapterStore) Save(ctx context.Context, key string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, rec := range s.data {
		if rec.expired(now) {
			delete(s.data, k)
		}
	}
	s.data[key] = record

	blob, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encode idempotency records: %w", err)
	}
	return s.adapter.Save(ctx, blob)
}

// Len reports the number of stored records, expired ones included.
func (s *AdapterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

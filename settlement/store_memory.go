package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/paygent-labs/paygent"
)

// DefaultCacheTTL bounds how long a settled record is remembered in memory
const DefaultCacheTTL = 24 * time.Hour

// MemoryStore caches settled records and tracks in-flight settlements in
// process memory.
type MemoryStore struct {
	mu       sync.Mutex
	results  map[string]*paygent.SettlementRecord
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store with the given TTL (DefaultCacheTTL if zero)
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryStore{
		results:  make(map[string]*paygent.SettlementRecord),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
func (s *MemoryStore) CheckAndMark(_ context.Context, key string) (CacheStatus, *paygent.SettlementRecord, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, exists := s.expiry[key]; exists {
		if s.now().Before(expiry) {
			if rec, ok := s.results[key]; ok {
				return StatusCached, copyRecord(rec), nil, nil
			}
		}
		delete(s.results, key)
		delete(s.expiry, key)
	}

	if done, exists := s.inFlight[key]; exists {
		return StatusInFlight, nil, done, nil
	}

	done := make(chan struct{})
	s.inFlight[key] = done
	return StatusNotFound, nil, done, nil
}

// WaitForResult waits for an in-flight settlement to finish. It returns nil
// without error if that settlement failed.
func (s *MemoryStore) WaitForResult(ctx context.Context, key string, done chan struct{}) (*paygent.SettlementRecord, error) {
	select {
	case <-done:
		return s.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete caches the record and wakes waiters
func (s *MemoryStore) Complete(_ context.Context, key string, record *paygent.SettlementRecord, done chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[key] = copyRecord(record)
	s.expiry[key] = s.now().Add(s.ttl)
	s.release(key, done)
	s.cleanupExpiredLocked()
	return nil
}

// Fail removes the in-flight marker without caching, so the key may be retried
func (s *MemoryStore) Fail(_ context.Context, key string, done chan struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(key, done)
	return nil
}

func (s *MemoryStore) release(key string, done chan struct{}) {
	if current, ok := s.inFlight[key]; ok && current == done {
		delete(s.inFlight, key)
		close(done)
	}
}

func (s *MemoryStore) get(key string) *paygent.SettlementRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expiry[key]
	if !exists || s.now().After(expiry) {
		return nil
	}
	return copyRecord(s.results[key])
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *MemoryStore) cleanupExpiredLocked() {
	now := s.now()
	for key, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.results, key)
			delete(s.expiry, key)
		}
	}
}

func copyRecord(rec *paygent.SettlementRecord) *paygent.SettlementRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"whatsapp-bridge/internal/domain"
)

type memoryEntry struct {
	payload []byte
	expires time.Time
}

// MemoryStore keeps session bags in process memory. Suitable for a single
// instance and for tests. Expired bags are dropped on read, during writes at
// most once per TTL, and by PurgeExpired.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	ttl       time.Duration
	now       func() time.Time
	nextPurge time.Time
}

// NewMemoryStore creates a MemoryStore with the given TTL.
func NewMemoryStore(ttl time.Duration) (*MemoryStore, error) {
	if ttl <= 0 {
		return nil, errors.New("repository: ttl must be positive")
	}
	return &MemoryStore{entries: map[string]memoryEntry{}, ttl: ttl, now: time.Now}, nil
}

// Get returns a copy of the bag stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (domain.Bag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return domain.Bag{}, false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return domain.Bag{}, false, nil
	}
	var bag domain.Bag
	if err := json.Unmarshal(e.payload, &bag); err != nil {
		return domain.Bag{}, false, fmt.Errorf("repository: memory unmarshal: %w", err)
	}
	return bag, true, nil
}

// Put stores a copy of bag under key.
func (s *MemoryStore) Put(_ context.Context, key string, bag domain.Bag) error {
	payload, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("repository: memory marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !now.Before(s.nextPurge) {
		s.purgeLocked(now)
		s.nextPurge = now.Add(s.ttl)
	}
	s.entries[key] = memoryEntry{payload: payload, expires: now.Add(s.ttl)}
	return nil
}

// Clear removes key.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// PurgeExpired removes expired bags and returns how many were deleted.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(s.now()), nil
}

func (s *MemoryStore) purgeLocked(now time.Time) int64 {
	var n int64
	for key, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

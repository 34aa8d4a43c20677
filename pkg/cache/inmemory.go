package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time // zero => no expiry
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a thread-safe, single-process implementation of Store.
// It is primarily intended for local development and testing; expiry is
// evaluated lazily against the injected clock.
type InMemoryStore struct {
	clock clock.Clock

	mu    sync.Mutex
	data  map[string]memoryItem
	locks map[string]memoryLock
}

// NewInMemoryStore creates a new in-memory store. A nil clock uses wall time.
func NewInMemoryStore(clk clock.Clock) *InMemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &InMemoryStore{
		clock: clk,
		data:  make(map[string]memoryItem),
		locks: make(map[string]memoryLock),
	}
}

// Get returns a copy of the entry so callers cannot mutate stored state.
func (s *InMemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	item, ok := s.data[key]
	if ok && expired(item.expiresAt, s.clock.Now()) {
		delete(s.data, key)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(item.data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry for %s: %w", key, err)
	}
	return &entry, nil
}

// Set stores entry until ttl elapses. A non-positive ttl never expires.
func (s *InMemoryStore) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for %s: %w", key, err)
	}

	item := memoryItem{data: data}
	if ttl > 0 {
		item.expiresAt = s.clock.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = item
	return nil
}

// TryAcquireLock takes the lock if it is free or its holder's ttl has passed.
func (s *InMemoryStore) TryAcquireLock(_ context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if held, ok := s.locks[lockKey]; ok && !expired(held.expiresAt, now) {
		return false, nil
	}
	s.locks[lockKey] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock removes the lock only if owner holds it.
func (s *InMemoryStore) ReleaseLock(_ context.Context, lockKey, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[lockKey]
	if !ok || held.owner != owner {
		return nil
	}
	delete(s.locks, lockKey)
	return nil
}

// LockOwner returns the current, unexpired holder of lockKey.
func (s *InMemoryStore) LockOwner(lockKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[lockKey]
	if !ok || expired(held.expiresAt, s.clock.Now()) {
		return "", false
	}
	return held.owner, true
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryStore) Close() error {
	return nil
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

package refresh_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-alertcache/pkg/cache"
	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/illmade-knight/go-alertcache/pkg/upstream"
)

const testKey = cache.DefaultKey

// mockFetcher is a test double for upstream.Fetcher.
type mockFetcher struct {
	callCount atomic.Int32
	FetchFunc func(ctx context.Context) (upstream.RawPayload, error)
}

func (m *mockFetcher) Fetch(ctx context.Context) (upstream.RawPayload, error) {
	m.callCount.Add(1)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}
	return upstream.RawPayload{}, errors.New("mock fetcher not implemented")
}

func (m *mockFetcher) Calls() int {
	return int(m.callCount.Load())
}

// staticFetcher returns statuses on every call.
func staticFetcher(statuses string) *mockFetcher {
	return &mockFetcher{
		FetchFunc: func(ctx context.Context) (upstream.RawPayload, error) {
			return upstream.RawPayload{Statuses: statuses, Body: []byte(`"` + statuses + `"`)}, nil
		},
	}
}

// switchableFetcher serves statuses until fail is set.
type switchableFetcher struct {
	mockFetcher
	mu       sync.Mutex
	statuses string
	fail     bool
}

func newSwitchableFetcher(statuses string) *switchableFetcher {
	f := &switchableFetcher{statuses: statuses}
	f.FetchFunc = func(ctx context.Context) (upstream.RawPayload, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			return upstream.RawPayload{}, &upstream.Error{Status: 503}
		}
		return upstream.RawPayload{Statuses: f.statuses}, nil
	}
	return f
}

func (f *switchableFetcher) Serve(statuses string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = statuses
	f.fail = false
}

func (f *switchableFetcher) Fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = true
}

// flakyStore wraps a store and can make individual operations report the
// store as unavailable.
type flakyStore struct {
	cache.Store
	failGet  atomic.Bool
	failLock atomic.Bool
	closed   atomic.Bool
	closeErr error
}

func (s *flakyStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if s.failGet.Load() {
		return nil, cache.ErrStoreUnavailable
	}
	return s.Store.Get(ctx, key)
}

func (s *flakyStore) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	if s.failLock.Load() {
		return false, cache.ErrStoreUnavailable
	}
	return s.Store.TryAcquireLock(ctx, lockKey, owner, ttl)
}

func (s *flakyStore) Close() error {
	s.closed.Store(true)
	return s.closeErr
}

// recordingObserver captures refresh events.
type recordingObserver struct {
	events   chan refresh.Event
	closed   atomic.Bool
	closeErr error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{events: make(chan refresh.Event, 16)}
}

func (o *recordingObserver) OnRefresh(_ context.Context, ev refresh.Event) error {
	o.events <- ev
	return nil
}

func (o *recordingObserver) Close() error {
	o.closed.Store(true)
	return o.closeErr
}

// countingStore counts reads.
type countingStore struct {
	cache.Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, key)
}

// ownerCapturingStore records the owner tokens used for the lock.
type ownerCapturingStore struct {
	cache.Store
	mu       sync.Mutex
	acquired []string
	released []string
}

func (s *ownerCapturingStore) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	s.acquired = append(s.acquired, owner)
	s.mu.Unlock()
	return s.Store.TryAcquireLock(ctx, lockKey, owner, ttl)
}

func (s *ownerCapturingStore) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	s.mu.Lock()
	s.released = append(s.released, owner)
	s.mu.Unlock()
	return s.Store.ReleaseLock(ctx, lockKey, owner)
}

// gatedStore blocks the first Get until release is closed and records writes
// made after Close.
type gatedStore struct {
	cache.Store
	entered          chan struct{}
	release          chan struct{}
	once             sync.Once
	closed           atomic.Bool
	writesAfterClose atomic.Int32
}

func newGatedStore(inner cache.Store) *gatedStore {
	return &gatedStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.Store.Get(ctx, key)
}

func (s *gatedStore) Set(ctx context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	if s.closed.Load() {
		s.writesAfterClose.Add(1)
	}
	return s.Store.Set(ctx, key, entry, ttl)
}

func (s *gatedStore) Close() error {
	s.closed.Store(true)
	return nil
}

// lostReplyStore takes the lock but reports a failure, as when the reply to
// SET NX never arrives.
type lostReplyStore struct {
	cache.Store
}

func (s *lostReplyStore) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	if _, err := s.Store.TryAcquireLock(ctx, lockKey, owner, ttl); err != nil {
		return false, err
	}
	return false, cache.ErrStoreUnavailable
}

// deadlineStore fails writes and lock calls whose context is already done.
type deadlineStore struct {
	cache.Store
}

func (s *deadlineStore) Set(ctx context.Context, key string, entry cache.Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Set(ctx, key, entry, ttl)
}

func (s *deadlineStore) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.TryAcquireLock(ctx, lockKey, owner, ttl)
}

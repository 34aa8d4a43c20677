// Package cache provides the shared store behind the alert cache: entries
// with a native expiry plus an owner-tagged mutual exclusion lock.
package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/illmade-knight/go-alertcache/pkg/regions"
)

// DefaultKey is the cache key for the filtered alert pattern.
const DefaultKey = "api:v1:pattern_list"

// ErrStoreUnavailable is wrapped by every backend error caused by the store
// being unreachable.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// LockKey returns the key of the refresh lock protecting key.
func LockKey(key string) string {
	return "lock:" + key
}

// Entry is a cached, filtered payload and the time it was fetched.
type Entry struct {
	Payload   regions.Filtered `json:"payload"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// SoftDeadline is the instant after which the entry is stale.
func (e *Entry) SoftDeadline(softTTL time.Duration) time.Time {
	return e.FetchedAt.Add(softTTL)
}

// Fresh reports whether now is strictly before the soft deadline.
func (e *Entry) Fresh(now time.Time, softTTL time.Duration) bool {
	return now.Before(e.SoftDeadline(softTTL))
}

// Locker is a distributed mutual exclusion primitive with expiry.
type Locker interface {
	// TryAcquireLock sets lockKey to owner only if it is absent or expired.
	// The check and the set are a single atomic operation.
	TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes lockKey only if it is still held by owner.
	ReleaseLock(ctx context.Context, lockKey, owner string) error
}

// Store is the key-value contract the refresh coordinator is built on.
type Store interface {
	// Get returns the entry for key, or nil with a nil error on a miss.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set overwrites key with entry. The store removes it once ttl elapses.
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Locker
	io.Closer
}

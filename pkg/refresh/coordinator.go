// Package refresh decides, per request, whether to serve cached alert data,
// refresh it from upstream, or wait for a refresh already in flight.
//
// Three TTLs drive the decision. SoftTTL bounds normal staleness: an entry
// younger than it is served without touching the lock. LockTTL bounds how long
// one refresher may hold exclusivity. HardTTL is the store's native expiry and
// bounds how long a stale entry can stand in for a failing upstream.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-alertcache/pkg/cache"
	"github.com/illmade-knight/go-alertcache/pkg/regions"
	"github.com/illmade-knight/go-alertcache/pkg/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval = 100 * time.Millisecond

	lockTimeout     = 5 * time.Second
	writeTimeout    = 5 * time.Second
	releaseTimeout  = 5 * time.Second
	observerTimeout = 30 * time.Second
)

var (
	// ErrRefreshFailed means the upstream fetch failed and there was no cached
	// entry to fall back on. It wraps the upstream error.
	ErrRefreshFailed = errors.New("refresh failed and no cached data is available")
	// ErrRefreshTimeout means a request waited for another instance's cold-start
	// refresh and no entry appeared before the wait ceiling.
	ErrRefreshTimeout = errors.New("timed out waiting for an in-flight refresh")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("refresh coordinator is closed")
)

// Config holds the TTL tiers and wait bounds.
type Config struct {
	SoftTTL time.Duration `yaml:"soft_ttl"`
	LockTTL time.Duration `yaml:"lock_ttl"`
	HardTTL time.Duration `yaml:"hard_ttl"`
	// WaitCeiling bounds a cold-start wait. Defaults to LockTTL.
	WaitCeiling time.Duration `yaml:"wait_ceiling"`
	// PollInterval is how often a cold-start waiter re-reads the store.
	PollInterval time.Duration `yaml:"poll_interval"`
	// RefreshTimeout bounds fetch, filter and store write. Defaults to LockTTL.
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
}

func (c Config) withDefaults() Config {
	if c.WaitCeiling <= 0 {
		c.WaitCeiling = c.LockTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = c.LockTTL
	}
	return c
}

// Event describes a successful refresh.
type Event struct {
	Key   string
	Entry cache.Entry
	Raw   upstream.RawPayload
	// Elapsed covers the upstream fetch only.
	Elapsed time.Duration
}

// Observer is notified asynchronously after each successful refresh.
// Observers that implement io.Closer are closed with the Coordinator.
type Observer interface {
	OnRefresh(ctx context.Context, ev Event) error
}

// Coordinator implements refresh-ahead with single flight and stale fallback
// on top of a shared cache.Store.
type Coordinator struct {
	cfg       Config
	store     cache.Store
	fetcher   upstream.Fetcher
	set       regions.Set
	clock     clock.Clock
	observers []Observer
	newToken  func() string
	logger    zerolog.Logger

	waiters singleflight.Group

	// mu orders wg.Add against Close so that no call starts after Close
	// has begun waiting.
	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// NewCoordinator builds a Coordinator. SoftTTL < HardTTL is the operator's
// responsibility; a violation is logged, not rejected.
func NewCoordinator(
	cfg Config,
	store cache.Store,
	fetcher upstream.Fetcher,
	set regions.Set,
	logger zerolog.Logger,
	opts ...Option,
) (*Coordinator, error) {
	if store == nil || fetcher == nil {
		return nil, fmt.Errorf("store and fetcher cannot be nil")
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("region set cannot be empty")
	}
	if cfg.SoftTTL <= 0 || cfg.LockTTL <= 0 || cfg.HardTTL <= 0 {
		return nil, fmt.Errorf("soft, lock and hard ttl must all be positive")
	}

	o := getOpts(opts)
	l := logger.With().Str("component", "RefreshCoordinator").Logger()
	if cfg.SoftTTL >= cfg.HardTTL {
		l.Warn().Dur("soft_ttl", cfg.SoftTTL).Dur("hard_ttl", cfg.HardTTL).
			Msg("Soft TTL is not below hard TTL; entries will expire before they are ever stale.")
	}

	return &Coordinator{
		cfg:       cfg.withDefaults(),
		store:     store,
		fetcher:   fetcher,
		set:       set,
		clock:     o.clock,
		observers: o.observers,
		newToken:  o.newToken,
		logger:    l,
		closing:   make(chan struct{}),
	}, nil
}

// GetOrRefresh returns what a request for key should see.
//
// The returned Result is tagged with how it was produced. A non-nil error
// always comes with OutcomeFailed and is ErrRefreshFailed, ErrRefreshTimeout,
// ErrClosed or the caller's context error.
func (c *Coordinator) GetOrRefresh(ctx context.Context, key string) (Result, error) {
	if !c.enter() {
		return failed(), ErrClosed
	}
	defer c.wg.Done()

	entry := c.read(ctx, key)
	if entry != nil && entry.Fresh(c.clock.Now(), c.cfg.SoftTTL) {
		return fromEntry(OutcomeFresh, entry), nil
	}

	owner := c.newToken()
	lockKey := cache.LockKey(key)
	acquired, err := c.acquire(ctx, lockKey, owner)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Could not acquire refresh lock; treating as held.")
		// The lock may have been taken even though the reply was lost.
		c.release(ctx, lockKey, owner)
		acquired = false
	}

	if acquired {
		return c.refresh(ctx, key, lockKey, owner, entry)
	}
	if entry != nil {
		c.logger.Debug().Str("key", key).Msg("Refresh in progress elsewhere; serving stale entry.")
		return fromEntry(OutcomeServedStale, entry), nil
	}
	return c.awaitRefresh(ctx, key)
}

// enter registers a call with the WaitGroup unless Close has started.
func (c *Coordinator) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

// acquire is detached from the caller so a cancellation cannot land between
// the store applying the lock and us learning that it did.
func (c *Coordinator) acquire(ctx context.Context, lockKey, owner string) (bool, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockTimeout)
	defer cancel()
	return c.store.TryAcquireLock(lctx, lockKey, owner, c.cfg.LockTTL)
}

// read treats every store error as a miss.
func (c *Coordinator) read(ctx context.Context, key string) *cache.Entry {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed; treating as a miss.")
		return nil
	}
	return entry
}

type refreshOutput struct {
	result Result
	err    error
}

// refresh runs the fetch on its own goroutine with a context detached from
// the caller, so a cancelled request neither aborts the refresh nor strands
// the lock.
func (c *Coordinator) refresh(ctx context.Context, key, lockKey, owner string, stale *cache.Entry) (Result, error) {
	done := make(chan refreshOutput, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()
		result, err := c.runRefresh(rctx, key, lockKey, owner, stale)
		done <- refreshOutput{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		c.logger.Debug().Str("key", key).Msg("Caller went away; refresh continues in the background.")
		return failed(), ctx.Err()
	}
}

func (c *Coordinator) runRefresh(ctx context.Context, key, lockKey, owner string, stale *cache.Entry) (Result, error) {
	defer c.release(ctx, lockKey, owner)

	// Double-check: another refresher may have finished between our read and
	// our lock acquisition.
	if current := c.read(ctx, key); current != nil {
		if current.Fresh(c.clock.Now(), c.cfg.SoftTTL) {
			return fromEntry(OutcomeFresh, current), nil
		}
		stale = current
	}

	start := c.clock.Now()
	raw, err := c.fetcher.Fetch(ctx)
	if err != nil {
		if stale != nil {
			c.logger.Warn().Err(err).Str("key", key).Time("fetched_at", stale.FetchedAt).
				Msg("Upstream fetch failed; serving stale entry.")
			return fromEntry(OutcomeServedStale, stale), nil
		}
		c.logger.Error().Err(err).Str("key", key).Msg("Upstream fetch failed on a cold cache.")
		return failed(), fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	fetchedAt := c.clock.Now().UTC()

	entry := cache.Entry{
		Payload:   regions.Filter(raw.Statuses, c.set),
		FetchedAt: fetchedAt,
	}
	// The fetch may have used most of RefreshTimeout; the write gets its own budget.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := c.store.Set(wctx, key, entry, c.cfg.HardTTL); err != nil {
		// The fetch succeeded, so this request is still answered.
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to write refreshed entry to the store.")
	}

	c.logger.Info().
		Str("key", key).
		Int("regions", len(entry.Payload.Regions)).
		Dur("elapsed", fetchedAt.Sub(start)).
		Msg("Refreshed cache entry from upstream.")

	c.notify(ctx, Event{Key: key, Entry: entry, Raw: raw, Elapsed: fetchedAt.Sub(start)})
	return fromEntry(OutcomeRefreshed, &entry), nil
}

func (c *Coordinator) release(ctx context.Context, lockKey, owner string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.store.ReleaseLock(relCtx, lockKey, owner); err != nil {
		c.logger.Warn().Err(err).Str("lock_key", lockKey).Msg("Failed to release refresh lock; it will expire on its own.")
	}
}

func (c *Coordinator) notify(ctx context.Context, ev Event) {
	for _, obs := range c.observers {
		c.wg.Add(1)
		go func(obs Observer) {
			defer c.wg.Done()
			octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observerTimeout)
			defer cancel()
			if err := obs.OnRefresh(octx, ev); err != nil {
				c.logger.Error().Err(err).Str("key", ev.Key).Msg("Refresh observer failed.")
			}
		}(obs)
	}
}

// awaitRefresh blocks a cold-start request until another refresher's entry
// appears or the wait ceiling passes. Waiters for the same key in this
// process share one poll loop.
func (c *Coordinator) awaitRefresh(ctx context.Context, key string) (Result, error) {
	ch := c.waiters.DoChan(key, func() (interface{}, error) {
		return c.poll(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return failed(), res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return failed(), ctx.Err()
	}
}

func (c *Coordinator) poll(ctx context.Context, key string) (Result, error) {
	deadline := c.clock.Timer(c.cfg.WaitCeiling)
	defer deadline.Stop()
	ticker := c.clock.Ticker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Debug().Str("key", key).Dur("ceiling", c.cfg.WaitCeiling).Msg("Cold cache with refresh in flight; waiting.")
	for {
		select {
		case <-ticker.C:
			if entry := c.read(ctx, key); entry != nil {
				outcome := OutcomeFresh
				if !entry.Fresh(c.clock.Now(), c.cfg.SoftTTL) {
					outcome = OutcomeServedStale
				}
				return fromEntry(outcome, entry), nil
			}
		case <-deadline.C:
			c.logger.Error().Str("key", key).Dur("ceiling", c.cfg.WaitCeiling).
				Msg("No entry appeared before the wait ceiling.")
			return failed(), ErrRefreshTimeout
		case <-c.closing:
			return failed(), ErrClosed
		}
	}
}

// Ping checks the store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close stops waiters, lets in-flight refreshes and observer calls finish,
// then closes the store and any closable observers.
func (c *Coordinator) Close() error {
	var result *multierror.Error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.closing)
		c.wg.Wait()

		for _, obs := range c.observers {
			if closer, ok := obs.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("error closing store: %w", err))
		}
	})
	return result.ErrorOrNil()
}

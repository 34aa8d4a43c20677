package refresh_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-alertcache/pkg/cache"
	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/illmade-knight/go-alertcache/pkg/regions"
	"github.com/illmade-knight/go-alertcache/pkg/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSet = regions.MustParseSet("0-3")

func testConfig() refresh.Config {
	return refresh.Config{
		SoftTTL:      60 * time.Second,
		LockTTL:      5 * time.Second,
		HardTTL:      86400 * time.Second,
		WaitCeiling:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

func newCoordinator(t *testing.T, cfg refresh.Config, store cache.Store, fetcher upstream.Fetcher, opts ...refresh.Option) *refresh.Coordinator {
	t.Helper()
	c, err := refresh.NewCoordinator(cfg, store, fetcher, testSet, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func TestNewCoordinator_Validation(t *testing.T) {
	store := cache.NewInMemoryStore(nil)
	fetcher := staticFetcher("AAAA")

	_, err := refresh.NewCoordinator(testConfig(), nil, fetcher, testSet, zerolog.Nop())
	require.Error(t, err)

	_, err = refresh.NewCoordinator(testConfig(), store, fetcher, nil, zerolog.Nop())
	require.Error(t, err)

	cfg := testConfig()
	cfg.LockTTL = 0
	_, err = refresh.NewCoordinator(cfg, store, fetcher, testSet, zerolog.Nop())
	require.Error(t, err)

	cfg = testConfig()
	cfg.SoftTTL = cfg.HardTTL
	_, err = refresh.NewCoordinator(cfg, store, fetcher, testSet, zerolog.Nop())
	require.NoError(t, err, "soft >= hard is an operator concern and is only logged")
}

func TestGetOrRefresh_SingleFlightOnColdKey(t *testing.T) {
	// Arrange
	const requests = 25
	store := cache.NewInMemoryStore(nil)
	fetcher := &mockFetcher{
		FetchFunc: func(ctx context.Context) (upstream.RawPayload, error) {
			time.Sleep(50 * time.Millisecond)
			return upstream.RawPayload{Statuses: "ANPNNNN"}, nil
		},
	}
	c := newCoordinator(t, testConfig(), store, fetcher)

	// Act
	var wg sync.WaitGroup
	results := make([]refresh.Result, requests)
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrRefresh(context.Background(), testKey)
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 1, fetcher.Calls(), "upstream must be fetched exactly once")
	refreshed := 0
	for i := 0; i < requests; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ANPN", results[i].Payload.Pattern)
		assert.True(t, results[0].FetchedAt.Equal(results[i].FetchedAt))
		if results[i].Outcome == refresh.OutcomeRefreshed {
			refreshed++
		}
	}
	assert.Equal(t, 1, refreshed)
	_, held := store.LockOwner(cache.LockKey(testKey))
	assert.False(t, held, "lock must be released after the refresh")
}

func TestGetOrRefresh_FreshEntryNeverFetches(t *testing.T) {
	// Arrange
	clk := clock.NewMock()
	store := cache.NewInMemoryStore(clk)
	fetcher := staticFetcher("AAAA")
	c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

	first, err := c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, refresh.OutcomeRefreshed, first.Outcome)

	// Act & Assert
	for _, offset := range []time.Duration{0, time.Second, 30 * time.Second, 59 * time.Second} {
		clk.Set(first.FetchedAt.Add(offset))
		res, err := c.GetOrRefresh(context.Background(), testKey)
		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeFresh, res.Outcome, "offset %s", offset)
		assert.False(t, res.Stale())
	}
	assert.Equal(t, 1, fetcher.Calls())
}

func TestGetOrRefresh_StaleEntryIsRefreshed(t *testing.T) {
	clk := clock.NewMock()
	store := cache.NewInMemoryStore(clk)
	fetcher := newSwitchableFetcher("NNNN")
	c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

	_, err := c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)

	fetcher.Serve("AAAA")
	clk.Add(60 * time.Second)
	res, err := c.GetOrRefresh(context.Background(), testKey)

	require.NoError(t, err)
	assert.Equal(t, refresh.OutcomeRefreshed, res.Outcome)
	assert.Equal(t, "AAAA", res.Payload.Pattern)
	assert.Equal(t, 2, fetcher.Calls())
}

func TestGetOrRefresh_ServeStaleOnUpstreamFailure(t *testing.T) {
	// Arrange
	clk := clock.NewMock()
	store := cache.NewInMemoryStore(clk)
	fetcher := newSwitchableFetcher("APNA")
	c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

	first, err := c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)

	// Act
	fetcher.Fail()
	clk.Add(60*time.Second + time.Millisecond)
	res, err := c.GetOrRefresh(context.Background(), testKey)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, refresh.OutcomeServedStale, res.Outcome)
	assert.True(t, res.Stale())
	assert.Equal(t, first.Payload, res.Payload)
	assert.True(t, first.FetchedAt.Equal(res.FetchedAt))
	_, held := store.LockOwner(cache.LockKey(testKey))
	assert.False(t, held)
}

func TestGetOrRefresh_ColdCacheUpstreamFailure(t *testing.T) {
	store := cache.NewInMemoryStore(nil)
	fetcher := newSwitchableFetcher("")
	fetcher.Fail()
	c := newCoordinator(t, testConfig(), store, fetcher)

	res, err := c.GetOrRefresh(context.Background(), testKey)

	require.Error(t, err)
	assert.ErrorIs(t, err, refresh.ErrRefreshFailed)
	var upErr *upstream.Error
	assert.ErrorAs(t, err, &upErr)
	assert.Equal(t, refresh.OutcomeFailed, res.Outcome)
	_, held := store.LockOwner(cache.LockKey(testKey))
	assert.False(t, held)
}

func TestGetOrRefresh_HardExpiry(t *testing.T) {
	clk := clock.NewMock()
	store := cache.NewInMemoryStore(clk)
	fetcher := newSwitchableFetcher("AAAA")
	c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

	_, err := c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)

	fetcher.Fail()
	clk.Add(86400 * time.Second)

	entry, err := store.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, entry, "entry must be gone at fetchedAt + hard ttl")

	_, err = c.GetOrRefresh(context.Background(), testKey)
	assert.ErrorIs(t, err, refresh.ErrRefreshFailed)
}

func TestGetOrRefresh_LockHeldElsewhere(t *testing.T) {
	ctx := context.Background()

	t.Run("Stale entry is served without waiting", func(t *testing.T) {
		// Arrange
		clk := clock.NewMock()
		store := cache.NewInMemoryStore(clk)
		require.NoError(t, store.Set(ctx, testKey, cache.Entry{
			Payload:   regions.Filter("NANA", testSet),
			FetchedAt: clk.Now(),
		}, 86400*time.Second))
		clk.Add(70 * time.Second)
		ok, err := store.TryAcquireLock(ctx, cache.LockKey(testKey), "other-instance", 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		fetcher := staticFetcher("AAAA")
		c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

		// Act
		res, err := c.GetOrRefresh(ctx, testKey)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeServedStale, res.Outcome)
		assert.Equal(t, "NANA", res.Payload.Pattern)
		assert.Zero(t, fetcher.Calls())
	})

	t.Run("Cold waiter picks up the other instance's entry", func(t *testing.T) {
		// Arrange
		store := cache.NewInMemoryStore(nil)
		ok, err := store.TryAcquireLock(ctx, cache.LockKey(testKey), "other-instance", 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		fetcher := staticFetcher("AAAA")
		c := newCoordinator(t, testConfig(), store, fetcher)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = store.Set(ctx, testKey, cache.Entry{
				Payload:   regions.Filter("PPPP", testSet),
				FetchedAt: time.Now(),
			}, time.Hour)
		}()

		// Act
		res, err := c.GetOrRefresh(ctx, testKey)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeFresh, res.Outcome)
		assert.Equal(t, "PPPP", res.Payload.Pattern)
		assert.Zero(t, fetcher.Calls())
	})

	t.Run("Cold waiter times out", func(t *testing.T) {
		// Arrange
		store := cache.NewInMemoryStore(nil)
		ok, err := store.TryAcquireLock(ctx, cache.LockKey(testKey), "stuck-instance", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		cfg := testConfig()
		cfg.WaitCeiling = 100 * time.Millisecond
		fetcher := staticFetcher("AAAA")
		c := newCoordinator(t, cfg, store, fetcher)

		// Act
		start := time.Now()
		res, err := c.GetOrRefresh(ctx, testKey)

		// Assert
		assert.ErrorIs(t, err, refresh.ErrRefreshTimeout)
		assert.False(t, errors.Is(err, refresh.ErrRefreshFailed))
		assert.Equal(t, refresh.OutcomeFailed, res.Outcome)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Zero(t, fetcher.Calls())
	})

	t.Run("Concurrent cold waiters share one poll", func(t *testing.T) {
		store := &countingStore{Store: cache.NewInMemoryStore(nil)}
		ok, err := store.TryAcquireLock(ctx, cache.LockKey(testKey), "stuck-instance", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		cfg := testConfig()
		cfg.WaitCeiling = 100 * time.Millisecond
		cfg.PollInterval = 20 * time.Millisecond
		c := newCoordinator(t, cfg, store, staticFetcher("AAAA"))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.GetOrRefresh(ctx, testKey)
				assert.ErrorIs(t, err, refresh.ErrRefreshTimeout)
			}()
		}
		wg.Wait()

		// 10 initial reads plus at most one shared poll loop of ~5 ticks
		// (a late waiter may start a second loop).
		assert.Less(t, int(store.gets.Load()), 10+2*7)
	})
}

func TestGetOrRefresh_StoreUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("Lock failure with a stale entry serves stale", func(t *testing.T) {
		clk := clock.NewMock()
		inner := cache.NewInMemoryStore(clk)
		require.NoError(t, inner.Set(ctx, testKey, cache.Entry{Payload: regions.Filter("NNNA", testSet), FetchedAt: clk.Now()}, time.Hour))
		clk.Add(2 * time.Minute)
		store := &flakyStore{Store: inner}
		store.failLock.Store(true)
		fetcher := staticFetcher("AAAA")
		c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

		res, err := c.GetOrRefresh(ctx, testKey)

		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeServedStale, res.Outcome)
		assert.Zero(t, fetcher.Calls())
	})

	t.Run("Read failure with the lock available refreshes", func(t *testing.T) {
		store := &flakyStore{Store: cache.NewInMemoryStore(nil)}
		store.failGet.Store(true)
		fetcher := staticFetcher("AAAA")
		c := newCoordinator(t, testConfig(), store, fetcher)

		res, err := c.GetOrRefresh(ctx, testKey)

		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeRefreshed, res.Outcome)
		assert.Equal(t, 1, fetcher.Calls())
	})

	t.Run("Fully unavailable store on a cold key times out", func(t *testing.T) {
		store := &flakyStore{Store: cache.NewInMemoryStore(nil)}
		store.failGet.Store(true)
		store.failLock.Store(true)
		cfg := testConfig()
		cfg.WaitCeiling = 50 * time.Millisecond
		fetcher := staticFetcher("AAAA")
		c := newCoordinator(t, cfg, store, fetcher)

		_, err := c.GetOrRefresh(ctx, testKey)

		assert.ErrorIs(t, err, refresh.ErrRefreshTimeout)
		assert.Zero(t, fetcher.Calls())
	})
}

func TestGetOrRefresh_CallerCancellationDoesNotStrandLock(t *testing.T) {
	// Arrange
	store := cache.NewInMemoryStore(nil)
	started := make(chan struct{})
	unblock := make(chan struct{})
	fetcher := &mockFetcher{
		FetchFunc: func(ctx context.Context) (upstream.RawPayload, error) {
			close(started)
			select {
			case <-unblock:
			case <-ctx.Done():
				return upstream.RawPayload{}, ctx.Err()
			}
			return upstream.RawPayload{Statuses: "AAAA"}, nil
		},
	}
	c := newCoordinator(t, testConfig(), store, fetcher)
	reqCtx, cancel := context.WithCancel(context.Background())

	// Act
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrRefresh(reqCtx, testKey)
		errCh <- err
	}()
	<-started
	cancel()
	err := <-errCh
	close(unblock)

	// Assert
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool {
		entry, _ := store.Get(context.Background(), testKey)
		_, held := store.LockOwner(cache.LockKey(testKey))
		return entry != nil && !held
	}, 2*time.Second, 10*time.Millisecond, "refresh must complete and release the lock after the caller left")
}

func TestGetOrRefresh_NotifiesObservers(t *testing.T) {
	store := cache.NewInMemoryStore(nil)
	obs := newRecordingObserver()
	c := newCoordinator(t, testConfig(), store, staticFetcher("APAPNN"), refresh.WithObservers(obs, nil))

	res, err := c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)

	select {
	case ev := <-obs.events:
		assert.Equal(t, testKey, ev.Key)
		assert.Equal(t, res.Payload, ev.Entry.Payload)
		assert.Equal(t, "APAPNN", ev.Raw.Statuses)
	case <-time.After(2 * time.Second):
		t.Fatal("observer was not notified")
	}

	// A fresh hit does not notify.
	_, err = c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)
	select {
	case <-obs.events:
		t.Fatal("unexpected notification for a cache hit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetOrRefresh_UsesOwnerTokens(t *testing.T) {
	store := &ownerCapturingStore{Store: cache.NewInMemoryStore(nil)}
	c := newCoordinator(t, testConfig(), store, staticFetcher("AAAA"),
		refresh.WithTokenSource(func() string { return "token-1" }))

	_, err := c.GetOrRefresh(context.Background(), testKey)
	require.NoError(t, err)

	assert.Equal(t, []string{"token-1"}, store.acquired)
	assert.Equal(t, []string{"token-1"}, store.released)
}

func TestCoordinator_Close(t *testing.T) {
	closeErr := errors.New("observer close failed")
	store := &flakyStore{Store: cache.NewInMemoryStore(nil)}
	obs := newRecordingObserver()
	obs.closeErr = closeErr
	c := newCoordinator(t, testConfig(), store, staticFetcher("AAAA"), refresh.WithObservers(obs))

	err := c.Close()

	require.Error(t, err)
	assert.ErrorIs(t, err, closeErr)
	assert.True(t, store.closed.Load())
	assert.True(t, obs.closed.Load())
	require.NoError(t, c.Close(), "second close is a no-op")

	_, err = c.GetOrRefresh(context.Background(), testKey)
	assert.ErrorIs(t, err, refresh.ErrClosed)
}

// TestScenario walks the lifecycle of one key across the three TTL tiers with
// SOFT_TTL=60s, LOCK_TTL=5s and REDIS_HARD_TTL=86400s.
func TestScenario(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clk.Set(t0)
	store := cache.NewInMemoryStore(clk)
	fetcher := newSwitchableFetcher("AAAA")
	c := newCoordinator(t, testConfig(), store, fetcher, refresh.WithClock(clk))

	t.Run("t=0 cold cache triggers one fetch", func(t *testing.T) {
		res, err := c.GetOrRefresh(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeRefreshed, res.Outcome)
		assert.Equal(t, "AAAA", res.Payload.Pattern)
		assert.True(t, t0.Equal(res.FetchedAt))
		assert.Equal(t, 1, fetcher.Calls())
	})

	t.Run("t=30 is served from cache", func(t *testing.T) {
		clk.Set(t0.Add(30 * time.Second))
		res, err := c.GetOrRefresh(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, refresh.OutcomeFresh, res.Outcome)
		assert.Equal(t, "AAAA", res.Payload.Pattern)
		assert.Equal(t, 1, fetcher.Calls())
	})

	t.Run("t=70 one refresher, concurrent requests get stale P1", func(t *testing.T) {
		clk.Set(t0.Add(70 * time.Second))
		started := make(chan struct{})
		unblock := make(chan struct{})
		blocking := &mockFetcher{
			FetchFunc: func(ctx context.Context) (upstream.RawPayload, error) {
				close(started)
				<-unblock
				return upstream.RawPayload{}, &upstream.Error{Status: 502}
			},
		}
		bc := newCoordinator(t, testConfig(), store, blocking, refresh.WithClock(clk))

		refresherDone := make(chan refresh.Result, 1)
		go func() {
			res, err := bc.GetOrRefresh(ctx, testKey)
			assert.NoError(t, err)
			refresherDone <- res
		}()
		<-started

		for i := 0; i < 5; i++ {
			res, err := c.GetOrRefresh(ctx, testKey)
			require.NoError(t, err)
			assert.Equal(t, refresh.OutcomeServedStale, res.Outcome)
			assert.Equal(t, "AAAA", res.Payload.Pattern)
		}
		assert.Equal(t, 1, fetcher.Calls(), "concurrent requests must not fetch")

		close(unblock)
		res := <-refresherDone
		assert.Equal(t, refresh.OutcomeServedStale, res.Outcome, "failed refresh still returns P1")
		assert.Equal(t, "AAAA", res.Payload.Pattern)
		assert.Equal(t, 1, blocking.Calls())
	})

	t.Run("t=86500 past hard ttl with upstream failing", func(t *testing.T) {
		fetcher.Fail()
		clk.Set(t0.Add(86500 * time.Second))
		res, err := c.GetOrRefresh(ctx, testKey)
		assert.ErrorIs(t, err, refresh.ErrRefreshFailed)
		assert.Equal(t, refresh.OutcomeFailed, res.Outcome)
	})
}

func TestOutcome_String(t *testing.T) {
	for outcome, want := range map[refresh.Outcome]string{
		refresh.OutcomeFailed:      "failed",
		refresh.OutcomeFresh:       "fresh",
		refresh.OutcomeRefreshed:   "refreshed",
		refresh.OutcomeServedStale: "served_stale",
	} {
		assert.Equal(t, want, outcome.String())
		assert.False(t, strings.Contains(outcome.String(), " "))
	}
}
